package hasher

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"

	"cbak-go/internal/model"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestDefaultAlgorithmFor(t *testing.T) {
	tests := []struct {
		priority model.Priority
		wantSize int
	}{
		{model.PriorityLow, 20},
		{model.PriorityMedium, 32},
		{model.PriorityHigh, 64},
		{model.PriorityMeta, 32},
	}
	for _, tt := range tests {
		alg := DefaultAlgorithmFor(tt.priority)
		if got := Size(alg); got != tt.wantSize {
			t.Errorf("Size(DefaultAlgorithmFor(%v)) = %d, want %d", tt.priority, got, tt.wantSize)
		}
	}
}

func TestHash(t *testing.T) {
	t.Run("matches sha256", func(t *testing.T) {
		want := sha256.Sum256([]byte("hello world"))
		got := Hash(model.HashSHA256, strings.NewReader("hello world"))
		if !bytes.Equal(got, want[:]) {
			t.Errorf("Hash() = %x, want %x", got, want)
		}
	})

	t.Run("empty source yields empty digest", func(t *testing.T) {
		if got := Hash(model.HashSHA256, strings.NewReader("")); len(got) != 0 {
			t.Errorf("Hash(empty) = %x, want empty", got)
		}
	})

	t.Run("read failure yields empty digest", func(t *testing.T) {
		if got := Hash(model.HashSHA1, failingReader{}); len(got) != 0 {
			t.Errorf("Hash(failing) = %x, want empty", got)
		}
	})

	t.Run("unknown algorithm yields empty digest", func(t *testing.T) {
		if got := Hash(model.HashNone, strings.NewReader("x")); len(got) != 0 {
			t.Errorf("Hash(None) = %x, want empty", got)
		}
	})

	t.Run("block hash agrees with stream hash", func(t *testing.T) {
		data := []byte("block contents")
		a := HashBytes(model.HashSHA512, data)
		b := Hash(model.HashSHA512, bytes.NewReader(data))
		if !Equal(a, b) {
			t.Errorf("HashBytes() = %x, Hash() = %x", a, b)
		}
	})
}

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b []byte
		want bool
	}{
		{nil, nil, true},
		{[]byte{}, nil, true},
		{[]byte{1, 2}, []byte{1, 2}, true},
		{[]byte{1, 2}, []byte{1, 3}, false},
		{[]byte{1, 2}, []byte{1, 2, 3}, false},
	}
	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, err := New(model.HashAlgorithm(42)); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("New(42) error = %v, want ErrUnknownAlgorithm", err)
	}
}
