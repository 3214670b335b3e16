package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", Secret("api-token").String())
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "token: *****", fmt.Sprintf("token: %s", Secret("api-token")))
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv(APIBaseURLEnvKey, "https://relay.example.com")
	t.Setenv(APITokenEnvKey, "api-token")
	t.Setenv(ChunkSourceEnvKey, "S3")
	t.Setenv(S3BucketEnvKey, "ehr-chunks")
	t.Setenv(S3RegionEnvKey, "eu-west-1")
	t.Setenv(S3PrefixEnvKey, "relay")
	t.Setenv(AWSAccessKeyIDEnvKey, "access-key")
	t.Setenv(AWSSecretAccessEnvKey, "secret-key")

	got := LoadEnvironment(env.NewRepository())

	assert.Equal(t, "https://relay.example.com", got.APIBaseURL)
	assert.Equal(t, Secret("api-token"), got.APIToken)
	assert.Equal(t, ChunkSourceS3, got.ChunkSource)
	assert.Equal(t, S3Config{
		Bucket:          "ehr-chunks",
		Region:          "eu-west-1",
		Prefix:          "relay",
		AccessKeyID:     "access-key",
		SecretAccessKey: "secret-key",
	}, got.S3)
}

func TestLoadEnvironment_DefaultsToHTTP(t *testing.T) {
	t.Setenv(ChunkSourceEnvKey, "")

	assert.Equal(t, ChunkSourceHTTP, LoadEnvironment(env.NewRepository()).ChunkSource)
}

func validReceiverConfig(t *testing.T) ReceiverConfig {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)
	return ReceiverConfig{
		Environment:        Environment{APIBaseURL: "http://localhost", ChunkSource: ChunkSourceHTTP},
		SessionID:          "session-1",
		PrivateKey:         e2ee.PrivateJWK(key),
		OutputDir:          t.TempDir(),
		PrefetchChunks:     8,
		MaxAttempts:        60,
		PollTimeoutSeconds: 30,
	}
}

func TestReceiverConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *ReceiverConfig)
		wantErr bool
	}{
		{name: "valid", modify: func(c *ReceiverConfig) {}},
		{name: "public key", modify: func(c *ReceiverConfig) { c.PrivateKey = c.PrivateKey.Public() }, wantErr: true},
		{name: "no session", modify: func(c *ReceiverConfig) { c.SessionID = "" }, wantErr: true},
		{name: "zero window", modify: func(c *ReceiverConfig) { c.PrefetchChunks = 0 }, wantErr: true},
		{name: "zero attempts", modify: func(c *ReceiverConfig) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "no api url", modify: func(c *ReceiverConfig) { c.APIBaseURL = "" }, wantErr: true},
		{name: "unknown source", modify: func(c *ReceiverConfig) { c.ChunkSource = "ftp" }, wantErr: true},
		{name: "s3 without bucket", modify: func(c *ReceiverConfig) { c.ChunkSource = ChunkSourceS3; c.S3.Region = "eu-west-1" }, wantErr: true},
		{
			name: "s3",
			modify: func(c *ReceiverConfig) {
				c.ChunkSource = ChunkSourceS3
				c.S3 = S3Config{Bucket: "ehr-chunks", Region: "eu-west-1"}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validReceiverConfig(t)
			tt.modify(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSenderConfig_Validate(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)
	valid := SenderConfig{
		Environment:   Environment{APIBaseURL: "http://localhost"},
		SessionID:     "session-1",
		FinalizeToken: "finalize-1",
		ConnectionID:  "connection-1",
		RecipientKey:  e2ee.PublicJWK(key.PublicKey()),
		PayloadPath:   "payload.json",
	}
	require.NoError(t, valid.Validate())

	private := valid
	private.RecipientKey = e2ee.PrivateJWK(key)
	require.Error(t, private.Validate())

	noToken := valid
	noToken.FinalizeToken = ""
	require.Error(t, noToken.Validate())

	broken := valid
	broken.RecipientKey = e2ee.JWK{Kty: "RSA"}
	require.Error(t, broken.Validate())
}

func TestLoadJWK(t *testing.T) {
	key, err := e2ee.GenerateKey()
	require.NoError(t, err)
	data, err := json.Marshal(e2ee.PrivateJWK(key))
	require.NoError(t, err)

	inline, err := LoadJWK(string(data))
	require.NoError(t, err)
	assert.True(t, inline.IsPrivate())

	pth := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(pth, data, 0o600))
	fromFile, err := LoadJWK("@" + pth)
	require.NoError(t, err)
	assert.Equal(t, inline, fromFile)

	_, err = LoadJWK("@" + filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	_, err = LoadJWK("not json")
	require.Error(t, err)
}
