package bulk

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var zipMagic = []byte("PK\x03\x04")

// OpenData opens the data stream of the local bulk file at path. Zip
// archives are looked into for member; any other file is read as is.
// It returns the name of the member actually opened.
func OpenData(filePath, member string) (io.ReadCloser, string, error) {
	isZip, err := sniffZip(filePath)
	if err != nil {
		return nil, "", err
	}
	if !isZip {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, "", err
		}
		return f, path.Base(filePath), nil
	}

	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, "", errors.Wrapf(ErrCorruptArchive, "%s: %v", filePath, err)
	}
	f := SelectMember(zr.File, member)
	if f == nil {
		zr.Close()
		return nil, "", errors.Wrapf(ErrCorruptArchive, "%s: no member matching '%s'", filePath, member)
	}
	if f.Name != member {
		log.WithFields(log.Fields{"archive": filePath, "expected": member, "using": f.Name}).Warn("archive member matched loosely")
	}
	rc, err := f.Open()
	if err != nil {
		zr.Close()
		return nil, "", errors.Wrapf(ErrCorruptArchive, "%s: open %s: %v", filePath, f.Name, err)
	}
	return &memberReader{rc: rc, zr: zr}, f.Name, nil
}

func sniffZip(filePath string) (bool, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return bytes.Equal(head[:n], zipMagic), nil
}

// SelectMember picks the archive member holding the data: the exact name,
// else a case-insensitive match on the base name, else the only regular
// file in the archive.
func SelectMember(files []*zip.File, member string) *zip.File {
	var regular []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Name == member {
			return f
		}
		regular = append(regular, f)
	}
	want := strings.ToLower(path.Base(member))
	for _, f := range regular {
		if strings.ToLower(path.Base(f.Name)) == want {
			return f
		}
	}
	if len(regular) == 1 {
		return regular[0]
	}
	return nil
}

// memberReader reports decompression failures as ErrCorruptArchive and
// closes the archive with the member.
type memberReader struct {
	rc io.ReadCloser
	zr *zip.ReadCloser
}

func (m *memberReader) Read(p []byte) (int, error) {
	n, err := m.rc.Read(p)
	if err != nil && err != io.EOF {
		var corrupt flate.CorruptInputError
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.As(err, &corrupt) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.Wrapf(ErrCorruptArchive, "%v", err)
		}
	}
	return n, err
}

func (m *memberReader) Close() error {
	err := m.rc.Close()
	if cerr := m.zr.Close(); err == nil {
		err = cerr
	}
	return err
}
