package publish

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/types"
)

const (
	sealVersion = 1

	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// sealKey encrypts an exported key under a passphrase. The KDF is scrypt
// and the ciphertext is AES-256-GCM with the nonce prepended.
func sealKey(armored, passphrase string) (*types.SealedKey, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(armored), nil)
	return &types.SealedKey{
		Version:   sealVersion,
		SaltB64:   base64.StdEncoding.EncodeToString(salt),
		CipherB64: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// unsealKey decrypts a sealed key export with the passphrase.
func unsealKey(sk *types.SealedKey, passphrase string) (string, error) {
	if sk.Version != sealVersion {
		return "", fmt.Errorf("unsupported sealed key version %d", sk.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(sk.SaltB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(sk.CipherB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to unseal key, wrong passphrase or corrupt blob")
	}
	return string(plain), nil
}

// Backup exports the domain's IPNS key from the node, seals it under
// the passphrase, and returns the portable backup blob.
func (s *Service) Backup(ctx context.Context, d *types.EdgeDomain, passphrase string) (*types.BackupBlob, error) {
	if d.IpnsKeyName == "" {
		return nil, fmt.Errorf("domain %s has no name key to back up", d.Domain)
	}
	armored, err := s.node.KeyExport(ctx, d.IpnsKeyName, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	sealed, err := sealKey(armored, passphrase)
	if err != nil {
		return nil, err
	}
	return &types.BackupBlob{
		Domain:           d.Domain,
		SiteFolderLeaf:   d.SiteFolderLeaf,
		TgpFolderLeaf:    d.TgpFolderLeaf,
		IpnsKeyName:      d.IpnsKeyName,
		IpnsPeerID:       d.IpnsPeerID,
		LastPublishedCid: d.LastPublishedCid,
		EncVersion:       sealed.Version,
		SaltB64:          sealed.SaltB64,
		CipherB64:        sealed.CipherB64,
	}, nil
}

// Import restores a domain from a backup blob. When a node key with the
// blob's peer ID already exists it is reused; otherwise the sealed key
// is imported, falling back to a "-import" suffixed name on conflict.
// With restoreSite set, the last published CID is copied back into the
// production site folder when it is locally available.
func (s *Service) Import(ctx context.Context, blob *types.BackupBlob, passphrase string, restoreSite bool) (*types.EdgeDomain, error) {
	if blob.Domain == "" {
		return nil, fmt.Errorf("backup blob has no domain")
	}
	sealed := &types.SealedKey{
		Version:   blob.EncVersion,
		SaltB64:   blob.SaltB64,
		CipherB64: blob.CipherB64,
	}

	key, err := s.restoreKey(ctx, blob, sealed, passphrase)
	if err != nil {
		return nil, err
	}

	d := types.EdgeDomain{
		Domain:           blob.Domain,
		SiteFolderLeaf:   blob.SiteFolderLeaf,
		TgpFolderLeaf:    blob.TgpFolderLeaf,
		IpnsKeyName:      key.Name,
		IpnsPeerID:       key.ID,
		LastPublishedCid: blob.LastPublishedCid,
		SealedIpnsKey:    sealed,
	}
	if d.SiteFolderLeaf == "" {
		d.SiteFolderLeaf = config.DeriveSiteLeaf(d.Domain)
	}
	if d.TgpFolderLeaf == "" {
		d.TgpFolderLeaf = config.DeriveTgpLeaf(d.SiteFolderLeaf)
	}
	if err := s.cfg.UpsertDomain(d); err != nil {
		return nil, fmt.Errorf("failed to record imported domain: %w", err)
	}

	if restoreSite && d.LastPublishedCid != "" {
		if err := s.restoreSiteFolder(ctx, &d); err != nil {
			s.logger.Warn().Err(err).Str("domain", d.Domain).Msg("site restore skipped")
		}
	}
	return &d, nil
}

func (s *Service) restoreKey(ctx context.Context, blob *types.BackupBlob, sealed *types.SealedKey, passphrase string) (node.Key, error) {
	keys, err := s.node.KeyList(ctx)
	if err != nil {
		return node.Key{}, fmt.Errorf("failed to list node keys: %w", err)
	}
	names := make(map[string]bool, len(keys))
	for _, k := range keys {
		names[k.Name] = true
		if blob.IpnsPeerID != "" && k.ID == blob.IpnsPeerID {
			return k, nil
		}
	}

	armored, err := unsealKey(sealed, passphrase)
	if err != nil {
		return node.Key{}, err
	}
	name := blob.IpnsKeyName
	if name == "" {
		name = config.DeriveSiteLeaf(blob.Domain)
	}
	if names[name] {
		name += "-import"
	}
	key, err := s.node.KeyImport(ctx, name, passphrase, armored)
	if err != nil {
		return node.Key{}, fmt.Errorf("failed to import key: %w", err)
	}
	return key, nil
}

func (s *Service) restoreSiteFolder(ctx context.Context, d *types.EdgeDomain) error {
	sitePath := config.SitePath(d)
	if _, _, err := s.node.FilesStat(ctx, sitePath); err == nil {
		return nil // site folder already present, leave it alone
	} else if !node.IsNotFound(err) {
		return err
	}
	local, err := s.node.IsCidLocal(ctx, d.LastPublishedCid)
	if err != nil {
		return err
	}
	if !local {
		return fmt.Errorf("cid %s is not locally available", d.LastPublishedCid)
	}
	if err := s.node.FilesMkdir(ctx, "/production/sites", true); err != nil {
		return err
	}
	if err := s.node.FilesCp(ctx, "/ipfs/"+d.LastPublishedCid, sitePath); err != nil {
		return err
	}
	if err := s.node.PinAdd(ctx, d.LastPublishedCid, true); err != nil {
		s.logger.Warn().Err(err).Str("cid", d.LastPublishedCid).Msg("failed to pin restored site")
	}
	s.cache.InvalidateMfs(sitePath)
	return nil
}
