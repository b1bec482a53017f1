// Package users reads the test account pool and hands one account to each
// selected device.
package users

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// User is one test account.
type User struct {
	Name     string `json:"name"`
	Password string `json:"-"`
}

// Load reads one user per line in the form name[,password]. Blank lines and
// lines starting with # are skipped.
func Load(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return Parse(data)
}

// Parse decodes the users file format.
func Parse(data []byte) ([]User, error) {
	var out []User
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, password, _ := strings.Cut(line, ",")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("line %d: user name is empty", lineNo)
		}
		out = append(out, User{Name: name, Password: strings.TrimSpace(password)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan users file: %w", err)
	}
	return out, nil
}

// Allocate returns the first n users. It fails when fewer than n exist so no
// device is left without an account.
func Allocate(pool []User, n int) ([]User, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot allocate %d users", n)
	}
	if len(pool) < n {
		return nil, fmt.Errorf("need %d test users, only %d available", n, len(pool))
	}
	out := make([]User, n)
	copy(out, pool[:n])
	return out, nil
}
