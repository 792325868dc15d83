package checkpoint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/backend/cpu"
	"github.com/born-ml/vision/internal/nn"
	"github.com/born-ml/vision/internal/tensor"
)

type testBackend = *cpu.CPUBackend

func smallModel(seed int64, out int) *nn.Sequential[testBackend] {
	m, _ := smallModelBN(seed, out)
	return m
}

func smallModelBN(seed int64, out int) (*nn.Sequential[testBackend], *nn.BatchNorm2D[testBackend]) {
	b := nn.NewBuilder(cpu.New(), seed)
	bn := nn.NewBatchNorm2D(b, out)
	return nn.NewSequential[testBackend](nn.NewConv2D(b, nn.Conv2DConfig{In: 2, Out: out, Kernel: 3}), bn), bn
}

func TestSaveRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	src, bn := smallModelBN(1, 4)
	bn.Buffers()[0].Fill(0.5)

	id, err := Save[testBackend](path, src, map[string]string{"model": "small"})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	dst := smallModel(2, 4)
	f, err := Restore[testBackend](path, dst)
	require.NoError(t, err)
	assert.Equal(t, id, f.ID())
	assert.Equal(t, "small", f.Metadata["model"])

	want := nn.StateDict[testBackend](src)
	got := nn.StateDict[testBackend](dst)
	require.Len(t, got, len(want))
	for name, raw := range want {
		assert.Equal(t, raw.Shape(), got[name].Shape(), name)
		assert.Equal(t, raw.AsFloat32(), got[name].AsFloat32(), name)
	}
	assert.Contains(t, want, "1.running_mean")
}

func TestSave_UniqueIDs(t *testing.T) {
	dir := t.TempDir()
	m := smallModel(1, 2)
	a, err := Save[testBackend](filepath.Join(dir, "a"), m, nil)
	require.NoError(t, err)
	b, err := Save[testBackend](filepath.Join(dir, "b"), m, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRestore_Mismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := Save[testBackend](path, smallModel(1, 4), nil)
	require.NoError(t, err)

	_, err = Restore[testBackend](path, smallModel(1, 3))
	assert.ErrorContains(t, err, "shape mismatch")

	bigger := nn.NewSequential[testBackend](smallModel(1, 4), nn.NewReLU[testBackend]())
	_, err = Restore[testBackend](path, bigger)
	assert.ErrorContains(t, err, "missing")
}

func TestLoad_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := Save[testBackend](path, smallModel(1, 2), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrChecksum)
}

func writeRaw(t *testing.T, header string, body []byte) string {
	t.Helper()
	buf := make([]byte, 8, 8+len(header)+len(body))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, body...)
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestLoad_ForeignFile(t *testing.T) {
	path := writeRaw(t, `{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 8))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "", f.ID())
	assert.Equal(t, tensor.Shape{2}, f.Tensors["w"].Shape())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   int
	}{
		{"bad json", `{"w":`, 0},
		{"overlap", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]},"b":{"dtype":"F32","shape":[1],"data_offsets":[2,6]}}`, 8},
		{"out of bounds", `{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, 4},
		{"negative", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`, 4},
		{"size mismatch", `{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, 8},
		{"dtype", `{"a":{"dtype":"F16","shape":[2],"data_offsets":[0,4]}}`, 4},
		{"negative dim", `{"a":{"dtype":"F32","shape":[-1],"data_offsets":[0,4]}}`, 4},
		{"huge shape", `{"a":{"dtype":"F32","shape":[1099511627776],"data_offsets":[0,4]}}`, 4},
		{"overflowing shape", `{"a":{"dtype":"F32","shape":[4611686018427387904,4],"data_offsets":[0,0]}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeRaw(t, tt.header, make([]byte, tt.body)))
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}

	short := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(short, []byte{1, 2}, 0o600))
	_, err := Load(short)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	var verr *ValidationError
	_, err = Load(writeRaw(t, `{"a":{"dtype":"F32","shape":[4611686018427387904,4],"data_offsets":[0,0]}}`, nil))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invalid_shape", verr.Type)

	huge := make([]byte, 16)
	binary.LittleEndian.PutUint64(huge, 1<<40)
	require.NoError(t, os.WriteFile(short, huge, 0o600))
	_, err = Load(short)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}
