package sender

import (
	"fmt"
	"os"
	"path"

	"github.com/dutchcoders/goftp"
)

// FTPPush sends completed incremental files to a remote FTP server
// instead of (or in addition to) serving them locally. Grounded on
// src/protonuke/ftp.go's client usage: goftp.Connect/Login/Quit, generalized
// from Retr (pull) to a Stor-style push since the sender side is the
// origin of the file, not the consumer.
type FTPPush struct {
	Addr       string
	User, Pass string
	RemoteDir  string
}

// Send uploads localPath to RemoteDir under its own basename and
// returns the remote path on success.
func (p *FTPPush) Send(localPath string) (string, error) {
	c, err := goftp.Connect(p.Addr)
	if err != nil {
		return "", fmt.Errorf("sender: ftppush: connect %v: %w", p.Addr, err)
	}
	defer c.Quit()

	if err := c.Login(p.User, p.Pass); err != nil {
		return "", fmt.Errorf("sender: ftppush: login: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("sender: ftppush: open %v: %w", localPath, err)
	}
	defer f.Close()

	remote := path.Join(p.RemoteDir, path.Base(localPath))
	if err := c.Stor(remote, f); err != nil {
		return "", fmt.Errorf("sender: ftppush: stor %v: %w", remote, err)
	}
	return remote, nil
}
