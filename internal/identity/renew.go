// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package identity

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/tomtom215/kioskd/internal/logging"
)

// Wire bodies for the renewal endpoint.
type (
	renewRequestBody struct {
		CSR string `json:"csr"`
	}
	renewResp struct {
		ClientCert string `json:"client_cert"`
		CACert     string `json:"ca_cert"`
	}
)

// Renewer re-enrols the client certificate before it expires. It checks
// the installed identity on a fixed cadence and, once less than the lead
// time remains, submits a fresh CSR over the still-valid mTLS session.
// The renewed material lands through the store, so transports that read
// their certificate per handshake pick it up without a restart.
type Renewer struct {
	store *Store
	api   API

	// lead is how long before expiry renewal begins.
	lead time.Duration

	// checkInterval is the idle cadence; retryInterval applies while a
	// due renewal keeps failing.
	checkInterval time.Duration
	retryInterval time.Duration
}

// NewRenewer creates a renewer with the given expiry lead time.
func NewRenewer(store *Store, api API, lead time.Duration) *Renewer {
	if lead <= 0 {
		lead = 30 * 24 * time.Hour
	}
	return &Renewer{
		store:         store,
		api:           api,
		lead:          lead,
		checkInterval: 12 * time.Hour,
		retryInterval: time.Hour,
	}
}

// Serve implements suture.Service: check at start and then on the cadence,
// tightening to the retry interval while a due renewal is failing.
func (r *Renewer) Serve(ctx context.Context) error {
	interval := r.checkInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := r.RenewIfNeeded(ctx); err != nil {
				logging.Warn().Err(err).Msg("certificate renewal failed, will retry")
				interval = r.retryInterval
			} else {
				interval = r.checkInterval
			}
			timer.Reset(interval)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (r *Renewer) String() string { return "identity-renewer" }

// RenewIfNeeded renews the certificate when less than the lead time of
// validity remains. A healthy certificate is a no-op.
func (r *Renewer) RenewIfNeeded(ctx context.Context) error {
	id, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("identity: renewal check: %w", err)
	}
	if !id.NeedsRenewal(r.lead) {
		return nil
	}

	logging.Info().
		Str("device_id", id.DeviceID).
		Time("expires", id.ExpiresAt()).
		Msg("client certificate within renewal window, renewing")

	key, err := GenerateKey()
	if err != nil {
		return err
	}
	csrPEM, err := CreateCSR(key, id.DeviceID)
	if err != nil {
		return err
	}

	var resp renewResp
	path := fmt.Sprintf("/devices/%s/renew-certificate", url.PathEscape(id.DeviceID))
	if err := r.api.PostJSON(ctx, path, renewRequestBody{CSR: string(csrPEM)}, &resp); err != nil {
		return fmt.Errorf("identity: renew certificate: %w", err)
	}
	if resp.ClientCert == "" {
		return fmt.Errorf("identity: control plane returned no certificate")
	}

	// An omitted CA means it is unchanged.
	caPEM := []byte(resp.CACert)
	if len(caPEM) == 0 {
		caPEM = id.CAPEM
	}
	if err := r.store.Install(key, []byte(resp.ClientCert), caPEM, id.DeviceID); err != nil {
		return err
	}

	renewed, err := r.store.Load()
	if err != nil {
		return err
	}
	logging.Info().
		Str("device_id", renewed.DeviceID).
		Time("expires", renewed.ExpiresAt()).
		Msg("client certificate renewed")
	return nil
}
