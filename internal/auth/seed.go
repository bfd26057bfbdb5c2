package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"AgentBounty/pkg/logger"
)

// Seed is a directory entry loaded from the users file. Either Password or
// PasswordHash must be set.
type Seed struct {
	Email        string `yaml:"email"`
	Name         string `yaml:"name"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Disabled     bool   `yaml:"disabled"`
}

type seedFile struct {
	Users []Seed `yaml:"users"`
}

// LoadSeeds reads a YAML users file.
func LoadSeeds(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}
	return file.Users, nil
}

// UserIDFor derives the stable user id of an e-mail address.
func UserIDFor(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentbounty:user:"+normaliseEmail(email))).String()
}

// ApplySeeds upserts every seed into store and returns how many were
// applied. Entries without an e-mail are skipped.
func ApplySeeds(ctx context.Context, store Store, seeds []Seed) (int, error) {
	applied := 0
	for _, seed := range seeds {
		email := normaliseEmail(seed.Email)
		if email == "" {
			continue
		}
		hash := strings.TrimSpace(seed.PasswordHash)
		if hash == "" {
			var err error
			if hash, err = HashPassword(seed.Password); err != nil {
				return applied, fmt.Errorf("seed %s: %w", email, err)
			}
		}
		name := seed.Name
		if name == "" {
			name, _, _ = strings.Cut(email, "@")
		}
		u := &User{
			ID:           UserIDFor(email),
			Email:        email,
			Name:         name,
			PasswordHash: hash,
			Disabled:     seed.Disabled,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.Upsert(ctx, u); err != nil {
			return applied, err
		}
		applied++
	}
	if applied > 0 {
		logger.L().Info("user directory seeded", "users", applied)
	}
	return applied, nil
}
