package encrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"github.com/polarfoxDev/anchor/internal/command"
	"github.com/polarfoxDev/anchor/internal/config"
)

// Encrypter turns the plain archive into the file that is uploaded
type Encrypter interface {
	// Encrypt writes an encrypted copy of src to dst; dst must not exist
	Encrypt(ctx context.Context, src, dst string) error
	// Extension is appended to the archive name, without the dot
	Extension() string
}

// New builds the encrypter selected in the config
func New(cfg config.GeneralConfig, runner command.Runner) (Encrypter, error) {
	switch cfg.Encryption {
	case config.EncryptionGPG, "":
		if cfg.GPGPublicKey == "" {
			return nil, errors.New("gpg encryption needs a public key id")
		}
		return &GPG{Runner: runner, Recipient: cfg.GPGPublicKey}, nil
	case config.EncryptionAge:
		return NewAge(cfg.AgeRecipients)
	default:
		return nil, fmt.Errorf("unknown encryption %q", cfg.Encryption)
	}
}

// GPG encrypts by shelling out to gpg with a public key from the local keyring
type GPG struct {
	Runner    command.Runner
	Binary    string
	Recipient string
}

func (g *GPG) Extension() string { return "gpg" }

func (g *GPG) Encrypt(ctx context.Context, src, dst string) error {
	bin := g.Binary
	if bin == "" {
		bin = "gpg"
	}
	if _, err := g.Runner.Run(ctx, bin, "-o", dst, "--encrypt", "-r", g.Recipient, src); err != nil {
		return fmt.Errorf("gpg encrypt: %w", err)
	}
	return nil
}

// Age encrypts in-process to one or more X25519 recipients
type Age struct {
	recipients []age.Recipient
}

// NewAge parses age1... public keys
func NewAge(keys []string) (*Age, error) {
	if len(keys) == 0 {
		return nil, errors.New("age encryption needs at least one recipient")
	}
	recipients := make([]age.Recipient, 0, len(keys))
	for _, k := range keys {
		r, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient %q: %w", k, err)
		}
		recipients = append(recipients, r)
	}
	return &Age{recipients: recipients}, nil
}

func (a *Age) Extension() string { return "age" }

func (a *Age) Encrypt(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create encrypted file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close encrypted file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	w, err := age.Encrypt(out, a.recipients...)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: in}); err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("age finalize: %w", err)
	}
	return nil
}

// ctxReader stops a long copy once ctx is cancelled
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
