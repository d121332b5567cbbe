package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/koltyakov/addr/internal/auth"
	"github.com/koltyakov/addr/internal/domain"
	"github.com/koltyakov/addr/internal/metrics"
)

// OfferUsername normalizes and validates the username the client offered.
// An invalid name rejects the connection for good.
func (c *Conn) OfferUsername(raw string) (string, error) {
	if err := c.rejection(); err != nil {
		return "", err
	}
	name := domain.NormalizeName(raw)
	if !domain.ValidName(name) {
		c.b.metrics.RecordAdmission(metrics.AdmitInvalid)
		c.log.Info("rejected name", "name", name)
		return "", c.reject(fmt.Errorf("%w: %q", domain.ErrInvalidName, name))
	}
	return name, nil
}

// OfferPublicKey checks, without writing anything, whether fingerprint may
// use the offered name: an existing name must belong to it and a new name
// must fit within its plan. A failed check rejects the connection for good.
func (c *Conn) OfferPublicKey(ctx context.Context, raw, fingerprint string) error {
	name, err := c.OfferUsername(raw)
	if err != nil {
		return err
	}

	owner, exists, err := c.reg.FindNameFingerprint(ctx, name)
	if err != nil {
		return c.fail(name, "find name", err)
	}
	if exists {
		if !auth.FingerprintEquals(owner, fingerprint) {
			return c.deny(name, domain.ErrNameOwned)
		}
		return nil
	}

	quota, found, err := c.reg.FindQuotaFor(ctx, fingerprint)
	if err != nil {
		return c.fail(name, "find quota", err)
	}
	if found && quota.Exhausted() {
		return c.deny(name, &domain.QuotaError{Usage: quota.Usage, Plan: quota.Plan})
	}
	return nil
}

// Authorize binds name to fingerprint in the registry and opens the
// connection's waiter. It must succeed before the transport delivers
// forwarding or session requests.
func (c *Conn) Authorize(ctx context.Context, raw, fingerprint string) error {
	name, err := c.OfferUsername(raw)
	if err != nil {
		return err
	}

	adm, err := c.reg.Admit(ctx, name, fingerprint, c.b.cfg.DefaultPlan)
	if errors.Is(err, domain.ErrNameExists) {
		// Lost a registration race; the winner's fingerprint decides.
		owner, _, findErr := c.reg.FindNameFingerprint(ctx, name)
		if findErr != nil {
			return c.fail(name, "find name", findErr)
		}
		if !auth.FingerprintEquals(owner, fingerprint) {
			return c.deny(name, domain.ErrNameOwned)
		}
		err = nil
	}
	if err != nil {
		if errors.Is(err, domain.ErrNameOwned) || errors.Is(err, domain.ErrQuotaExceeded) {
			return c.deny(name, err)
		}
		return c.fail(name, "admit", err)
	}

	if err := c.b.waiters.Open(c.id); err != nil {
		return c.fail(name, "open waiter", err)
	}

	c.mu.Lock()
	c.name = name
	c.fingerprint = fingerprint
	c.authorized = true
	c.mu.Unlock()

	if adm.Registered {
		c.b.metrics.RecordAdmission(metrics.AdmitRegistered)
		c.log.Info("registered name", "name", name, "fingerprint", fingerprint,
			"usage", adm.Quota.Usage, "plan", adm.Quota.Plan)
	} else {
		c.b.metrics.RecordAdmission(metrics.AdmitAccepted)
		c.log.Info("authorized", "name", name, "fingerprint", fingerprint)
	}
	return nil
}

func (c *Conn) deny(name string, err error) error {
	c.b.metrics.RecordAdmission(admissionResult(err))
	c.log.Info("admission denied", "name", name, "err", err)
	return c.reject(err)
}

func (c *Conn) fail(name, op string, err error) error {
	c.b.metrics.RecordAdmission(metrics.AdmitError)
	terr := &domain.TunnelError{Name: name, Op: op, Err: err}
	c.log.Error("admission failed", "err", terr)
	return c.reject(terr)
}
