// Package checkpoint saves and restores model weights as SafeTensors files.
//
// Each file carries a "checkpoint_id" (a random UUID) and a "sha256" of the
// data section in its metadata. Load verifies the checksum when present, so
// files written by other SafeTensors tools load too.
package checkpoint

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

// Metadata keys set by Save.
const (
	KeyID       = "checkpoint_id"
	KeyChecksum = "sha256"
	KeyFormat   = "format"
)

// File is a loaded checkpoint.
type File struct {
	Tensors  map[string]*tensor.RawTensor
	Metadata map[string]string
}

// ID returns the checkpoint id, or "" for files not written by Save.
func (f *File) ID() string {
	return f.Metadata[KeyID]
}

// Save writes the state dict of c to path. Entries of metadata are stored
// alongside the generated ones; the returned id identifies the file.
func Save[B tensor.Backend](path string, c nn.Component[B], metadata map[string]string) (string, error) {
	return Write(path, nn.StateDict(c), metadata)
}

// Write stores tensors at path.
func Write(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) (string, error) {
	meta := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	id := uuid.NewString()
	meta[KeyID] = id
	meta[KeyFormat] = "pt"
	meta[KeyChecksum] = checksum(tensors)

	//nolint:gosec // G304: checkpoint path is chosen by the caller
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("checkpoint: failed to create file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := writeSafeTensors(w, tensors, meta); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	return id, nil
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	//nolint:gosec // G304: checkpoint path is chosen by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	tensors, meta, err := readSafeTensors(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if want, ok := meta[KeyChecksum]; ok {
		if got := checksum(tensors); got != want {
			return nil, fmt.Errorf("checkpoint %s: %w", path, ErrChecksum)
		}
	}
	if meta == nil {
		meta = map[string]string{}
	}
	return &File{Tensors: tensors, Metadata: meta}, nil
}

// Restore loads path into the parameters and buffers of c. Every name of
// c must be present with the same shape, and the file must hold nothing
// else.
func Restore[B tensor.Backend](path string, c nn.Component[B]) (*File, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := nn.LoadStateDict(c, f.Tensors); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return f, nil
}

// checksum hashes tensor bytes in name order, which is the order of the
// data section.
func checksum(tensors map[string]*tensor.RawTensor) string {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		h.Write(tensors[name].Data())
	}
	return hex.EncodeToString(h.Sum(nil))
}
