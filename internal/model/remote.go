package model

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedMetadata means a remote object carries missing or unparsable
// mirrored metadata. The object is corrupt or was not written by this agent.
var ErrMalformedMetadata = errors.New("malformed remote metadata")

// Keys of the metadata mirrored onto every remote object.
const (
	MetaSyncStatus      = "cbak_sync_status"
	MetaLastBlockIndex  = "cbak_last_block_index"
	MetaSourcePath      = "cbak_source_path"
	MetaHash            = "cbak_hash"
	MetaHashAlgorithm   = "cbak_hash_algorithm"
	MetaHydrationStatus = "cbak_hydration_status"
	MetaBlockSize       = "cbak_block_size"
)

var requiredMetadataKeys = []string{
	MetaSyncStatus,
	MetaLastBlockIndex,
	MetaSourcePath,
	MetaHash,
	MetaHashAlgorithm,
	MetaHydrationStatus,
	MetaBlockSize,
}

// RemoteMetadata builds the mirrored metadata for a file and one provider state.
func RemoteMetadata(file *BackupFile, state ProviderCopyState) map[string]string {
	return map[string]string{
		MetaSyncStatus:      state.SyncStatus.String(),
		MetaLastBlockIndex:  strconv.FormatInt(state.LastCompletedFileBlockIndex, 10),
		MetaSourcePath:      url.QueryEscape(file.FullSourcePath),
		MetaHash:            hex.EncodeToString(file.FileHash),
		MetaHashAlgorithm:   file.HashAlgorithm.String(),
		MetaHydrationStatus: state.HydrationStatus.String(),
		MetaBlockSize:       strconv.FormatInt(file.BlockSizeBytes, 10),
	}
}

// ParseRemoteMetadata rebuilds a ProviderCopyState from remote metadata.
// Key lookup is case-insensitive since some backends canonicalize header names.
// Every mirrored key is required; a missing key or bad value wraps ErrMalformedMetadata.
func ParseRemoteMetadata(raw map[string]string) (ProviderCopyState, error) {
	md := make(map[string]string, len(raw))
	for k, v := range raw {
		md[strings.ToLower(k)] = v
	}
	for _, k := range requiredMetadataKeys {
		if _, ok := md[k]; !ok {
			return ProviderCopyState{}, fmt.Errorf("%w: missing key %s", ErrMalformedMetadata, k)
		}
	}

	status, err := ParseSyncStatus(md[MetaSyncStatus])
	if err != nil {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, MetaSyncStatus, err)
	}
	last, err := strconv.ParseInt(md[MetaLastBlockIndex], 10, 64)
	if err != nil || last < -1 {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: bad value %q", ErrMalformedMetadata, MetaLastBlockIndex, md[MetaLastBlockIndex])
	}
	hydration, err := ParseHydrationStatus(md[MetaHydrationStatus])
	if err != nil {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, MetaHydrationStatus, err)
	}
	if _, err := ParseHashAlgorithm(md[MetaHashAlgorithm]); err != nil {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, MetaHashAlgorithm, err)
	}
	if _, err := hex.DecodeString(md[MetaHash]); err != nil {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, MetaHash, err)
	}
	if n, err := strconv.ParseInt(md[MetaBlockSize], 10, 64); err != nil || n <= 0 {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: bad value %q", ErrMalformedMetadata, MetaBlockSize, md[MetaBlockSize])
	}
	if _, err := url.QueryUnescape(md[MetaSourcePath]); err != nil {
		return ProviderCopyState{}, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, MetaSourcePath, err)
	}

	return ProviderCopyState{
		SyncStatus:                  status,
		LastCompletedFileBlockIndex: last,
		HydrationStatus:             hydration,
		Metadata:                    md,
	}, nil
}

// RemoteHash returns the content hash mirrored in a parsed remote state.
func RemoteHash(state ProviderCopyState) ([]byte, bool) {
	v, ok := state.Metadata[MetaHash]
	if !ok {
		return nil, false
	}
	h, err := hex.DecodeString(v)
	if err != nil {
		return nil, false
	}
	return h, true
}

// RemoteBlockSize returns the block size a parsed remote state was written with.
func RemoteBlockSize(state ProviderCopyState) (int64, bool) {
	v, ok := state.Metadata[MetaBlockSize]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ContainerName derives a provider-neutral container name from a directory ID.
// The result is lowercase alphanumerics and single hyphens, 3 to 63 characters.
func ContainerName(directoryID string) string {
	var b strings.Builder
	b.WriteString("cbak-")
	lastHyphen := true
	for _, r := range strings.ToLower(directoryID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

// ObjectName is the remote object key for a file within its container.
func ObjectName(fileID string) string {
	return fileID
}

// BlockID derives the deterministic block identifier for a file block.
// All IDs for one file have the same encoded length.
func BlockID(fileID string, index int64) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%08d", fileID, index)))
}

// StateAfter is the copy state a provider holds once the block has been committed.
func StateAfter(b Block) ProviderCopyState {
	s := NewProviderCopyState()
	s.LastCompletedFileBlockIndex = b.Index
	s.SyncStatus = InProgress
	if b.IsFinal() {
		s.SyncStatus = Synced
	}
	return s
}
