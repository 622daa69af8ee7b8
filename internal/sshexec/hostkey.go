package sshexec

import (
	"fmt"
	"log"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback verifies host keys against an OpenSSH known_hosts file.
// With an empty path every host key is accepted, since freshly provisioned
// VPSes have no pinned key yet.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsPath, err)
	}
	log.Printf("[ssh] Verifying host keys against %s", knownHostsPath)
	return cb, nil
}
