// Command issue-token mints an access token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ridesaver/internal/session"
)

func main() {
	_ = godotenv.Load()

	var (
		user   string
		email  string
		ttl    time.Duration
		secret string
	)
	flag.StringVar(&user, "user", "", "user id to put in the token")
	flag.StringVar(&email, "email", "", "optional email claim")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (defaults to JWT_SECRET)")
	flag.Parse()

	tok, err := issue(secret, ttl, session.Session{UserID: user, Email: email})
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue-token:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func issue(secret string, ttl time.Duration, s session.Session) (string, error) {
	a, err := session.NewAuthenticator(secret, ttl)
	if err != nil {
		return "", err
	}
	return a.Issue(s)
}
