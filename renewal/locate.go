package renewal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const (
	CertificateFile = "fullchain.pem"
	PrivateKeyFile  = "privkey.pem"
)

// ErrCertificateNotFound is returned when no live certificate exists.
var ErrCertificateNotFound = errors.New("certificate not found")

// Paths points at a certificate and its private key on disk.
type Paths struct {
	Dir         string
	Certificate string
	PrivateKey  string
}

// LiveDir is the certbot style live directory under configDir.
func LiveDir(configDir string) string {
	return filepath.Join(configDir, "live")
}

// Locate finds the certificate for primary under liveDir. An exact
// directory match wins; otherwise the first directory in lexical order
// that holds a certificate is used.
func Locate(liveDir, primary string) (Paths, error) {
	if primary != "" {
		if p, ok := pathsIn(filepath.Join(liveDir, primary)); ok {
			return p, nil
		}
	}

	entries, err := os.ReadDir(liveDir)
	if errors.Is(err, fs.ErrNotExist) {
		return Paths{}, ErrCertificateNotFound
	}
	if err != nil {
		return Paths{}, fmt.Errorf("renewal: read %s: %w", liveDir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if p, ok := pathsIn(filepath.Join(liveDir, e.Name())); ok {
			return p, nil
		}
	}
	return Paths{}, ErrCertificateNotFound
}

func pathsIn(dir string) (Paths, bool) {
	p := Paths{
		Dir:         dir,
		Certificate: filepath.Join(dir, CertificateFile),
		PrivateKey:  filepath.Join(dir, PrivateKeyFile),
	}
	if _, err := os.Stat(p.Certificate); err != nil {
		return Paths{}, false
	}
	return p, true
}

// ReadExpiry returns the NotAfter of the leaf certificate in path.
func ReadExpiry(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("renewal: read %s: %w", path, err)
	}
	cert, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		return time.Time{}, fmt.Errorf("renewal: parse %s: %w", path, err)
	}
	return cert.NotAfter, nil
}
