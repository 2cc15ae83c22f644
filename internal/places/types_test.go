package places

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConnectionTypeFromInt(t *testing.T) {
	tests := []struct {
		in      int
		want    ConnectionType
		wantErr bool
	}{
		{in: 1, want: ReadOnly},
		{in: 2, want: ReadWrite},
		{in: 3, want: Sync},
		{in: 0, wantErr: true},
		{in: 4, wantErr: true},
		{in: -1, wantErr: true},
		{in: 255, wantErr: true},
	}

	for _, tt := range tests {
		got, err := ConnectionTypeFromInt(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidConnectionType) {
				t.Errorf("ConnectionTypeFromInt(%d) error = %v, want ErrInvalidConnectionType", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ConnectionTypeFromInt(%d) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ConnectionTypeFromInt(%d) = %v, want %v", tt.in, got, tt.want)
		}
		if int(got) != tt.in {
			t.Errorf("int(%v) = %d, want %d", got, int(got), tt.in)
		}
	}
}

func TestConnectionTypeString(t *testing.T) {
	tests := map[ConnectionType]string{
		ReadOnly:          "read-only",
		ReadWrite:         "read-write",
		Sync:              "sync",
		ConnectionType(9): "ConnectionType(9)",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestAccessType(t *testing.T) {
	if got := ReadOnlyAccess.Type(); got != ReadOnly {
		t.Errorf("ReadOnlyAccess.Type() = %v", got)
	}
	if got := ReadWriteAccess.Type(); got != ReadWrite {
		t.Errorf("ReadWriteAccess.Type() = %v", got)
	}
	var zero Access
	if zero.Type() != ReadOnly {
		t.Error("zero Access should request a read-only connection")
	}
}

func TestFileIdentity(t *testing.T) {
	dir := t.TempDir()

	t.Run("relative and absolute collide", func(t *testing.T) {
		t.Chdir(dir)

		rel, err := FileIdentity("places.sqlite")
		if err != nil {
			t.Fatalf("FileIdentity(rel) error = %v", err)
		}
		abs, err := FileIdentity(filepath.Join(dir, "sub", "..", "places.sqlite"))
		if err != nil {
			t.Fatalf("FileIdentity(abs) error = %v", err)
		}
		if rel != abs {
			t.Errorf("identities differ: %q vs %q", rel, abs)
		}
		if !filepath.IsAbs(rel.Name()) {
			t.Errorf("Name() = %q, want absolute", rel.Name())
		}
	})

	t.Run("symlinked directory", func(t *testing.T) {
		realDir := filepath.Join(dir, "realDir")
		if err := os.Mkdir(realDir, 0o750); err != nil {
			t.Fatal(err)
		}
		link := filepath.Join(dir, "link")
		if err := os.Symlink(realDir, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}

		viaLink, err := FileIdentity(filepath.Join(link, "db1"))
		if err != nil {
			t.Fatalf("FileIdentity(link) error = %v", err)
		}
		direct, err := FileIdentity(filepath.Join(realDir, "db1"))
		if err != nil {
			t.Fatalf("FileIdentity(realDir) error = %v", err)
		}
		if viaLink != direct {
			t.Errorf("identities differ: %q vs %q", viaLink, direct)
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		id, err := FileIdentity(filepath.Join(dir, "nope", "db1"))
		if err != nil {
			t.Fatalf("FileIdentity() error = %v", err)
		}
		if id.IsMemory() {
			t.Error("file identity reported as memory")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := FileIdentity(""); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("FileIdentity(\"\") error = %v, want ErrInvalidIdentity", err)
		}
	})
}

func TestMemoryIdentity(t *testing.T) {
	id := MemoryIdentity("t1")

	if !id.IsMemory() {
		t.Error("IsMemory() = false")
	}
	if id.Name() != "t1" {
		t.Errorf("Name() = %q, want t1", id.Name())
	}
	if got, want := id.String(), "file:t1?mode=memory&cache=shared"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	file, err := FileIdentity("t1")
	if err != nil {
		t.Fatal(err)
	}
	if file.String() == id.String() {
		t.Error("memory and file identities collide")
	}
}

func TestKeyBundle(t *testing.T) {
	key := make([]byte, 32)

	if _, err := NewKeyBundle(key, key); err != nil {
		t.Errorf("NewKeyBundle() error = %v", err)
	}
	if _, err := NewKeyBundle(key[:16], key); !errors.Is(err, ErrInvalidKeyBundle) {
		t.Errorf("short key error = %v, want ErrInvalidKeyBundle", err)
	}

	const b64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	kb, err := KeyBundleFromBase64(b64, b64)
	if err != nil {
		t.Fatalf("KeyBundleFromBase64() error = %v", err)
	}
	if len(kb.EncKey) != 32 || len(kb.HMACKey) != 32 {
		t.Errorf("key lengths = %d/%d, want 32/32", len(kb.EncKey), len(kb.HMACKey))
	}
	if _, err := KeyBundleFromBase64("!!", b64); !errors.Is(err, ErrInvalidKeyBundle) {
		t.Errorf("bad base64 error = %v, want ErrInvalidKeyBundle", err)
	}
}

func TestClientInfoCache(t *testing.T) {
	var c ClientInfoCache

	if _, ok := c.Get(); ok {
		t.Error("empty cache returned info")
	}

	c.Set(ClientInfo{ClientID: "abc", MaxPostRecords: 10})
	got, ok := c.Get()
	if !ok || got.ClientID != "abc" || got.MaxPostRecords != 10 {
		t.Errorf("Get() = %+v, %v", got, ok)
	}

	c.Clear()
	if _, ok := c.Get(); ok {
		t.Error("cleared cache returned info")
	}
}
