// Package users authenticates nodes against a CSV credential file.
package users

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/vigil-hq/vigil/internal/protocol"
)

// Backend verifies node credentials. Implemented by the CSV backend; the
// server only depends on this contract.
type Backend interface {
	// Authenticate checks the credentials and returns the node type the
	// user is allowed to register as.
	Authenticate(username, password string) (protocol.NodeType, bool)
}

type user struct {
	password string
	nodeType protocol.NodeType
}

// CSVBackend holds the credential file parsed into memory. The file is read
// once at startup; changing it requires a restart.
type CSVBackend struct {
	users map[string]user
}

// LoadCSV parses a credential file. Each record is
// "username,password,nodetype"; blank lines and lines starting with # are
// skipped. Passwords starting with $2 are bcrypt hashes, anything else is
// compared verbatim.
func LoadCSV(path string) (*CSVBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open user file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3
	r.Comment = '#'
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse user file %s: %w", path, err)
	}

	users := make(map[string]user, len(records))
	for i, rec := range records {
		username := strings.TrimSpace(rec[0])
		nodeType := protocol.NodeType(strings.TrimSpace(rec[2]))
		if username == "" {
			return nil, fmt.Errorf("user file %s record %d: empty username", path, i+1)
		}
		if !nodeType.Valid() {
			return nil, fmt.Errorf("user file %s record %d: invalid node type %q", path, i+1, nodeType)
		}
		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("user file %s record %d: duplicate user %q", path, i+1, username)
		}
		users[username] = user{password: rec[1], nodeType: nodeType}
	}
	return &CSVBackend{users: users}, nil
}

// Authenticate implements Backend.
func (b *CSVBackend) Authenticate(username, password string) (protocol.NodeType, bool) {
	u, ok := b.users[username]
	if !ok {
		return "", false
	}
	if strings.HasPrefix(u.password, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(u.password), []byte(password)) != nil {
			return "", false
		}
		return u.nodeType, true
	}
	if u.password != password {
		return "", false
	}
	return u.nodeType, true
}
