package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/infodancer/mda"
)

func newKeygenCmd(stdin io.Reader) *cobra.Command {
	var keyDir string

	keygenCmd := &cobra.Command{
		Use:   "keygen OWNER",
		Short: "Create an encryption key pair for a mailbox owner",
		Long: "Create <owner>.pub and <owner>.key in the key directory. The private key\n" +
			"is sealed with a passphrase read from MAIL_DELIVER_PASSPHRASE or the first\n" +
			"line of stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyDir == "" {
				return usageError(errors.New("key-dir must not be empty"))
			}
			passphrase, err := readPassphrase(stdin)
			if err != nil {
				return usageError(err)
			}
			pub, err := mda.NewKeyDir(keyDir).GenerateKey(args[0], passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(pub))
			return nil
		},
	}
	keygenCmd.Flags().StringVar(&keyDir, "key-dir", "", "Directory to write the key pair to")

	return keygenCmd
}

func readPassphrase(stdin io.Reader) (string, error) {
	if p := os.Getenv("MAIL_DELIVER_PASSPHRASE"); p != "" {
		return p, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty passphrase")
	}
	return line, nil
}
