package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readPassword reads one line without echo. It prefers /dev/tty so the
// prompt works when stdin is redirected.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after password input

	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// PromptAndConfirmPassword prompts for a password twice and confirms they match
func PromptAndConfirmPassword(target string) (string, error) {
	password1, err := readPassword(fmt.Sprintf("Enter password for '%s': ", target))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password2, err := readPassword(fmt.Sprintf("Confirm password for '%s': ", target))
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}

	if password1 != password2 {
		return "", fmt.Errorf("passwords do not match")
	}
	if password1 == "" {
		return "", fmt.Errorf("password must not be empty")
	}

	return password1, nil
}
