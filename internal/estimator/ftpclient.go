package estimator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// FileLister is the subset of an FTPS connection the estimator needs,
// narrow enough to fake in tests.
type FileLister interface {
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (*ftp.Response, error)
	Quit() error
}

// DialPrinter opens an FTPS connection to a printer's embedded file
// server, authenticated with its decrypted LAN access code.
func DialPrinter(printerIP, accessCode string) (FileLister, error) {
	conn, err := ftp.Dial(printerIP+":990",
		ftp.DialWithTLS(nil),
		ftp.DialWithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("estimator: dial %s: %w", printerIP, err)
	}
	if err := conn.Login("bblp", accessCode); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("estimator: login: %w", err)
	}
	return conn, nil
}

// listCandidates returns the top-level *.gcode.3mf entries visible on
// the printer's file server.
func listCandidates(conn FileLister) ([]*ftp.Entry, error) {
	entries, err := conn.List("/")
	if err != nil {
		return nil, fmt.Errorf("estimator: list root: %w", err)
	}
	var out []*ftp.Entry
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name), ".gcode.3mf") {
			out = append(out, e)
		}
	}
	return out, nil
}

// download retrieves the named file in full.
func download(conn FileLister, name string) ([]byte, error) {
	resp, err := conn.Retr(name)
	if err != nil {
		return nil, fmt.Errorf("estimator: retrieve %s: %w", name, err)
	}
	defer resp.Close()
	return io.ReadAll(resp)
}
