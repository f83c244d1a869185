package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/itsdave-de/frappebr/internal/br"
)

var fakeSealHeader = []byte("FRBRSEAL")

// FakeEncryptor prefixes a fixed header instead of encrypting. Unlock only
// accepts the passphrase given to Setup.
type FakeEncryptor struct {
	passphrase string
	configured bool
}

var _ br.Encryptor = (*FakeEncryptor)(nil)

// NewFakeEncryptor returns an encryptor already set up with passphrase.
func NewFakeEncryptor(passphrase string) *FakeEncryptor {
	return &FakeEncryptor{passphrase: passphrase, configured: true}
}

func (e *FakeEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	e.configured = true
	return nil
}

func (e *FakeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if !e.configured {
		return errors.New("fake encryptor not set up")
	}
	if _, err := w.Write(fakeSealHeader); err != nil {
		return err
	}
	_, err := io.Copy(w, r)
	return err
}

func (e *FakeEncryptor) Unlock(passphrase string) (br.DecryptionContext, error) {
	if !e.configured || passphrase != e.passphrase {
		return nil, errors.New("wrong passphrase")
	}
	return fakeDecrypter{}, nil
}

func (e *FakeEncryptor) IsConfigured() bool { return e.configured }

type fakeDecrypter struct{}

func (fakeDecrypter) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(fakeSealHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading seal header: %w", err)
	}
	if !bytes.Equal(header, fakeSealHeader) {
		return errors.New("not sealed by FakeEncryptor")
	}
	_, err := io.Copy(w, r)
	return err
}
