// Command env2badger copies the Deribit client credentials from the
// environment (or a .env file) into the encrypted badger secret store.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/goderibit/pkg/config"
	"github.com/betbot/goderibit/pkg/secretstore"
)

func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path, empty to use the process environment only")
		dbPath    = flag.String("badger", getenv("GODERIBIT_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("GODERIBIT_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set GODERIBIT_SECRET_KEY or pass -secret-key"))
	}

	creds, err := readCredentials(*inPath)
	if err != nil {
		fatal(err)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.PutCredentials(creds); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "stored credentials for client %s in %s\n", creds.ClientID, *dbPath)
}

// readCredentials prefers the .env file and falls back to the environment.
func readCredentials(path string) (secretstore.Credentials, error) {
	env := map[string]string{}
	if path != "" {
		m, err := godotenv.Read(path)
		if err != nil && !os.IsNotExist(err) {
			return secretstore.Credentials{}, err
		}
		env = m
	}
	lookup := func(key string) string {
		if v := strings.TrimSpace(env[key]); v != "" {
			return v
		}
		return strings.TrimSpace(os.Getenv(key))
	}
	c := secretstore.Credentials{
		ClientID:     lookup(config.EnvClientID),
		ClientSecret: lookup(config.EnvClientSecret),
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return c, fmt.Errorf("%s and %s must be set", config.EnvClientID, config.EnvClientSecret)
	}
	return c, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
