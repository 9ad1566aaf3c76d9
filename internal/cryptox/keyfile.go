package cryptox

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/cipherchat/internal/blockcipher"
	"github.com/dmitrijs2005/cipherchat/internal/common"
)

// keyFile is the on-disk layout of the per-account key material.
// The private key and master key ciphertexts are sealed under a key
// derived from the account password and Salt.
type keyFile struct {
	PublicKey           []byte `json:"public_key"`
	Salt                []byte `json:"salt"`
	EncryptedPrivateKey []byte `json:"encrypted_private_key"`
	EncryptedMasterKey  []byte `json:"encrypted_master_key"`
}

// SaveKeyFile writes the account's durable keys to path, sealing the private
// key and master key under the password-derived file key.
func SaveKeyFile(path string, kp *KeyPair, masterKey, password []byte) error {
	pubDER, err := MarshalPublicKey(kp.Public)
	if err != nil {
		return err
	}

	salt := common.GenerateRandByteArray(16)
	fileKey := DeriveFileKey(password, salt)
	defer common.WipeByteArray(fileKey)

	privDER := x509.MarshalPKCS1PrivateKey(kp.Private)
	encPriv, err := blockcipher.Encrypt(privDER, fileKey)
	if err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}
	encMaster, err := blockcipher.Encrypt(masterKey, fileKey)
	if err != nil {
		return fmt.Errorf("seal master key: %w", err)
	}

	data, err := json.Marshal(keyFile{
		PublicKey:           pubDER,
		Salt:                salt,
		EncryptedPrivateKey: encPriv,
		EncryptedMasterKey:  encMaster,
	})
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads the key file at path and unseals it with password.
// A wrong password surfaces as common.ErrorUnauthorized.
func LoadKeyFile(path string, password []byte) (*KeyPair, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, nil, fmt.Errorf("parse key file: %w", err)
	}

	fileKey := DeriveFileKey(password, kf.Salt)
	defer common.WipeByteArray(fileKey)

	privDER, err := blockcipher.Decrypt(kf.EncryptedPrivateKey, fileKey)
	if err != nil {
		return nil, nil, common.ErrorUnauthorized
	}
	priv, err := x509.ParsePKCS1PrivateKey(privDER)
	if err != nil {
		// garbage plaintext that happened to unpad cleanly
		return nil, nil, common.ErrorUnauthorized
	}

	masterKey, err := blockcipher.Decrypt(kf.EncryptedMasterKey, fileKey)
	if err != nil {
		return nil, nil, common.ErrorUnauthorized
	}

	pub, err := ParsePublicKey(kf.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return &KeyPair{Private: priv, Public: pub}, masterKey, nil
}
