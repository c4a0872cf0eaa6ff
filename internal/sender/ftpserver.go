// Package sender implements the outbound transports for staged-for-
// transfer incremental output (sending mode, spec.md §4.6.2): an
// embedded FTP server downstream consumers pull from, and an FTP push
// client for sites that prefer the packer initiate the transfer.
package sender

import (
	"fmt"
	"net"

	filedriver "github.com/goftp/file-driver"
	"github.com/goftp/server"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// FTPServer exposes the sender directory over FTP so downstream
// consumers can pull completed incremental files. Grounded on
// src/protonuke/ftp.go's ftpServer() wiring (server.ServerOpts,
// server.NewSimplePerm, PASV-address interface scan) and
// src/protonuke/ftpdriver.go's server.Driver shape — generalized here to
// reuse the real github.com/goftp/file-driver factory over RootDir
// instead of reimplementing a read-only Driver.
type FTPServer struct {
	RootDir  string
	Addr     string // listen address; Port is parsed out of it
	User     string
	Pass     string
	Name     string

	srv *server.Server
}

func NewFTPServer(rootDir, addr, user, pass string) *FTPServer {
	if user == "" {
		user = "anonymous"
	}
	if pass == "" {
		pass = "anonymous"
	}
	return &FTPServer{RootDir: rootDir, Addr: addr, User: user, Pass: pass, Name: "silkpack-sender"}
}

// Start begins serving RootDir over FTP in the background. The
// PASV-reachable address is taken from Addr's host part when present,
// else discovered from the first non-loopback IPv4 interface the same
// way ftpServer() does.
func (f *FTPServer) Start() error {
	host, port, err := net.SplitHostPort(f.Addr)
	if err != nil {
		return fmt.Errorf("sender: ftpserver: bad addr %v: %w", f.Addr, err)
	}
	portNum, err := parsePort(port)
	if err != nil {
		return fmt.Errorf("sender: ftpserver: bad port %v: %w", port, err)
	}

	publicIP := host
	if publicIP == "" || publicIP == "0.0.0.0" {
		publicIP, err = firstNonLoopbackIPv4()
		if err != nil {
			return fmt.Errorf("sender: ftpserver: determine PASV address: %w", err)
		}
	}

	factory := &filedriver.FileDriverFactory{
		RootPath: f.RootDir,
		Perm:     server.NewSimplePerm(f.User, f.Pass),
	}

	opt := &server.ServerOpts{
		Factory:  factory,
		Auth:     simpleAuth{user: f.User, pass: f.Pass},
		Name:     f.Name,
		PublicIp: publicIP,
		Port:     portNum,
	}
	f.srv = server.NewServer(opt)

	go func() {
		if err := f.srv.ListenAndServe(); err != nil {
			log.Error("sender: ftpserver: %v", err)
		}
	}()
	return nil
}

func (f *FTPServer) Stop() error {
	if f.srv == nil {
		return nil
	}
	return f.srv.Shutdown()
}

type simpleAuth struct{ user, pass string }

func (a simpleAuth) CheckPasswd(user, pass string) (bool, error) {
	return user == a.user && pass == a.pass, nil
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func firstNonLoopbackIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && !ipnet.IP.IsLoopback() {
				if ip := ipnet.IP.To4(); ip != nil {
					return ip.String(), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 interface found")
}
