package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"security-engine/internal/config"
	"security-engine/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// LoadMasterKey resolves the engine's symmetric key, in order of preference:
// an explicitly configured key, a KMS-generated data key, or a fresh local
// random key. Sessions and MFA secrets re-encrypt on restart, so a generated
// key is acceptable outside production.
func LoadMasterKey(ctx context.Context, cfg *config.Config, kmsClient *kms.Client) ([]byte, error) {
	if cfg.Crypto.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Crypto.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid master key encoding: %v", ErrEncryption, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: master key must be 32 bytes, got %d", ErrEncryption, len(key))
		}
		return key, nil
	}

	if cfg.Crypto.KMSEnabled && kmsClient != nil {
		input := &kms.GenerateDataKeyInput{
			KeyId:   aws.String(cfg.Crypto.KMSKeyID),
			KeySpec: types.DataKeySpecAes256,
		}
		result, err := kmsClient.GenerateDataKey(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to generate KMS data key: %w", err)
		}
		util.Info("Master key generated via KMS", util.String("key_id", cfg.Crypto.KMSKeyID))
		return result.Plaintext, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: local key generation: %v", ErrEncryption, err)
	}
	util.Warn("Using ephemeral local master key - configure CRYPTO_MASTER_KEY or KMS for production")
	return key, nil
}
