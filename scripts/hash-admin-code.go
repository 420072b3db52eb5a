package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

const minCodeLength = 6

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-admin-code.go <code>\n")
		os.Exit(1)
	}

	code := os.Args[1]
	if len(code) < minCodeLength {
		fmt.Fprintf(os.Stderr, "Error: admin code must be at least %d characters\n", minCodeLength)
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), 12)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ADMIN_CODE_HASH=%s\n", hash)
}
