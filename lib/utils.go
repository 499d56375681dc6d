package ushelf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
)

// Prefix of temporary files created next to their final destination
const TmpPrefix = ".ushelf-tmp-"

// Write a file so that readers either see the previous content or the new one
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, TmpPrefix+"*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), filename)
}

// Sorted from most recent to least recent
func SortedListManifests(ctx context.Context, b Backend) ([]ManifestID, error) {
	names, err := b.List(ctx, KindManifests)
	if err != nil {
		return nil, err
	}

	ids := make([]ManifestID, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		id, err := ParseManifestID(name)
		if err != nil {
			logrus.WithFields(logrus.Fields{"name": name}).Warnf("invalid manifest name: %v", err)
			continue
		}
		ids = append(ids, id)
	}

	SortManifestIDs(ids)
	return ids, nil
}

// Find the most recent manifest whose id starts with prefix
func FindManifestID(ids []ManifestID, prefix string) (ManifestID, bool) {
	for _, id := range ids {
		if strings.HasPrefix(string(id), prefix) {
			return id, true
		}
	}
	return "", false
}

// Load private keys either from a file (if keyFile argument is provided), or from its content (key argument)
func LoadIdentities(keyFile, key string) ([]age.Identity, error) {
	if keyFile != "" && key != "" {
		return nil, fmt.Errorf("must provide one of key file or key, not both")
	}

	if keyFile != "" {
		keyData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}

		key = string(keyData)
	}

	return age.ParseIdentities(bytes.NewBufferString(key))
}

// Load public keys either from a file (if keyFile argument is provided), or from its content (key argument)
// If the file or the content holds private keys, derive the public keys from them
func LoadRecipients(keyFile, key string) ([]age.Recipient, error) {
	if keyFile != "" && key != "" {
		return nil, fmt.Errorf("must provide one of key file or key, not both")
	}

	if keyFile != "" {
		keyData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}

		key = string(keyData)
	}

	if strings.Contains(key, "AGE-SECRET-KEY-") {
		identities, err := age.ParseIdentities(bytes.NewBufferString(key))
		if err != nil {
			return nil, err
		}

		recipients := make([]age.Recipient, 0, len(identities))
		for _, id := range identities {
			x, ok := id.(*age.X25519Identity)
			if !ok {
				return nil, fmt.Errorf("cannot derive recipient from identity %T", id)
			}
			recipients = append(recipients, x.Recipient())
		}
		return recipients, nil
	}

	return age.ParseRecipients(bytes.NewBufferString(key))
}

func BuildCommand(command []string, additionalArgs ...string) *exec.Cmd {
	fullArgs := append(append([]string{}, command...), additionalArgs...)
	cmd := exec.Command(fullArgs[0], fullArgs[1:]...)
	cmd.Stdout = os.Stderr // default stdout to stderr because we don't want other processes to output stuff on our output
	cmd.Stderr = os.Stderr
	return cmd
}

func StartCommand(log *logrus.Entry, cmd *exec.Cmd) error {
	log.Printf("starting: %s", cmd.String())
	return cmd.Start()
}

func RunCommand(log *logrus.Entry, cmd *exec.Cmd) error {
	log.Printf("starting: %s", cmd.String())
	return cmd.Run()
}
