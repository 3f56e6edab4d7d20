package settlement

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AddressResolver maps an account to its on-chain address. An unknown account
// resolves to "" so the processor can apply its own lookup.
type AddressResolver interface {
	Resolve(accountID string) (string, error)
}

const addressBookFile = "addresses.json"

// AddressBook is a JSON file of account -> address.
type AddressBook struct {
	path string
	mu   sync.Mutex
}

func NewAddressBook(dataDir string) *AddressBook {
	return &AddressBook{path: filepath.Join(dataDir, addressBookFile)}
}

func (b *AddressBook) load() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	book := map[string]string{}
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("parse %s: %w", addressBookFile, err)
	}
	return book, nil
}

func (b *AddressBook) Resolve(accountID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, err := b.load()
	if err != nil {
		return "", err
	}
	return book[accountID], nil
}

// Set records address for accountID. An empty address removes the entry.
func (b *AddressBook) Set(accountID, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, err := b.load()
	if err != nil {
		return err
	}
	if address == "" {
		delete(book, accountID)
	} else {
		book[accountID] = address
	}
	data, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
