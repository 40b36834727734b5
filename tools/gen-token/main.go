package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/internal/auth"
)

// Mints HS256 tokens for a room of test users. The tokens file feeds tools/room-load
// (TOKENS_FILE); the members line feeds storage-init (SEED_MEMBERS) so every token
// belongs to a board member.
func main() {
	var (
		users      = flag.Int("users", 1, "number of users in the room")
		prefix     = flag.String("prefix", "member", "user ID prefix; with -users 1 it is the user ID")
		offset     = flag.Int("offset", 1, "index of the first generated user")
		ttl        = flag.Duration("ttl", time.Hour, "token lifetime")
		tokensOut  = flag.String("tokens", "", "write tokens as a JSON array to this file")
		membersOut = flag.String("members", "", "write the comma-separated user IDs to this file")
	)
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	switch {
	case secret == "":
		log.Fatal("TEST_JWT_SECRET must be set")
	case *users < 1 || *offset < 1:
		log.Fatal("-users and -offset must be positive")
	}

	ids := roomUsers(*users, *prefix, *offset)
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tok, err := auth.Sign([]byte(secret), id, *ttl)
		if err != nil {
			log.Fatalf("sign token for %s: %v", id, err)
		}
		tokens[i] = tok
	}

	if *tokensOut != "" {
		data, err := sonic.Marshal(tokens)
		if err != nil {
			log.Fatalf("encode tokens: %v", err)
		}
		if err := writeFile(*tokensOut, data); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	if *membersOut != "" {
		if err := writeFile(*membersOut, []byte(strings.Join(ids, ","))); err != nil {
			log.Fatalf("write members: %v", err)
		}
	}
	log.WithFields(log.Fields{"users": len(ids), "ttl": *ttl}).Debug("tokens generated")
	fmt.Print(tokens[0])
}

func roomUsers(n int, prefix string, offset int) []string {
	if n == 1 {
		return []string{prefix}
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, offset+i)
	}
	return ids
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
