// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/kioskd/internal/logging"
)

var (
	// ErrBadCode means the pairing code failed local validation.
	ErrBadCode = errors.New("identity: invalid pairing code")

	// ErrRejected means the control plane refused the enrolment.
	ErrRejected = errors.New("identity: enrolment rejected by control plane")

	// ErrNotConfirmed means the pairing code has not been confirmed yet.
	ErrNotConfirmed = errors.New("identity: pairing not confirmed")
)

// pairingCodeRe accepts alphanumeric codes only; anything else is rejected
// locally before touching the network.
var pairingCodeRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// API is the slice of the transport client the pairer needs.
type API interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
}

// httpStatusError is matched against transport errors to read HTTP status
// codes without importing the transport package.
type httpStatusError interface {
	error
	HTTPStatus() int
}

// Wire bodies for the pairing endpoints.
type (
	pairingRequestBody struct {
		DeviceID    string `json:"device_id"`
		Description string `json:"description"`
	}
	pairingRequestResp struct {
		PairingCode string    `json:"pairing_code"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	pairingStatusResp struct {
		Paired bool `json:"paired"`
	}
	pairingCompleteBody struct {
		PairingCode string `json:"pairing_code"`
		CSR         string `json:"csr"`
	}
	pairingCompleteResp struct {
		DeviceID   string `json:"device_id"`
		ClientCert string `json:"client_cert"`
		CACert     string `json:"ca_cert"`
	}
)

// Pairer drives the enrolment handshake:
//
//	RequestCode -> (operator confirms on the control plane) ->
//	Confirmed -> Complete -> identity installed
//
// The pairer keeps the generated private key in memory until the control
// plane issues a certificate; only Install writes it to disk.
type Pairer struct {
	store       *Store
	api         API
	description string

	// provisionalID identifies the device before the control plane assigns
	// an id. It is the CSR common name unless a prior id is known.
	provisionalID string

	key  *ecdsa.PrivateKey
	code string
}

// NewPairer creates a pairer for the given store and API client.
func NewPairer(store *Store, api API, description string) *Pairer {
	return &Pairer{
		store:         store,
		api:           api,
		description:   description,
		provisionalID: uuid.New().String(),
	}
}

// RequestCode asks the control plane for a pairing code to display on the
// device. The code expires server-side at the returned time.
func (p *Pairer) RequestCode(ctx context.Context) (string, time.Time, error) {
	var resp pairingRequestResp
	body := pairingRequestBody{DeviceID: p.provisionalID, Description: p.description}
	if err := p.api.PostJSON(ctx, "/device-pairing/request", body, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("identity: request pairing code: %w", err)
	}
	if !pairingCodeRe.MatchString(resp.PairingCode) {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrBadCode, resp.PairingCode)
	}
	p.code = resp.PairingCode
	logging.Info().
		Str("device_id", p.provisionalID).
		Time("code_expires", resp.ExpiresAt).
		Msg("pairing code issued")
	return resp.PairingCode, resp.ExpiresAt, nil
}

// Confirmed polls whether the operator has confirmed this device.
func (p *Pairer) Confirmed(ctx context.Context) (bool, error) {
	var resp pairingStatusResp
	path := "/device-pairing/status?device_id=" + url.QueryEscape(p.provisionalID)
	if err := p.api.GetJSON(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("identity: pairing status: %w", err)
	}
	return resp.Paired, nil
}

// Complete submits the CSR for the previously requested code and installs
// the issued identity. Requires a prior successful RequestCode.
func (p *Pairer) Complete(ctx context.Context) (*Identity, error) {
	if p.code == "" {
		return nil, ErrNotConfirmed
	}
	return p.Enrol(ctx, p.code)
}

// Enrol submits a CSR for the given pairing code and installs the returned
// identity material. Re-submitting a completed code is idempotent: the
// control plane either issues the same identity again or answers
// already-paired, which is treated as success when a matching identity is
// already installed.
func (p *Pairer) Enrol(ctx context.Context, code string) (*Identity, error) {
	if !pairingCodeRe.MatchString(code) {
		return nil, fmt.Errorf("%w: %q", ErrBadCode, code)
	}

	if p.key == nil {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		p.key = key
	}

	csrPEM, err := CreateCSR(p.key, p.csrSubject())
	if err != nil {
		return nil, err
	}

	var resp pairingCompleteResp
	body := pairingCompleteBody{PairingCode: code, CSR: string(csrPEM)}
	if err := p.api.PostJSON(ctx, "/device-pairing/complete", body, &resp); err != nil {
		var se httpStatusError
		if errors.As(err, &se) {
			switch {
			case se.HTTPStatus() == 409:
				// Already paired: success if we hold a matching identity.
				if id, loadErr := p.store.Load(); loadErr == nil {
					logging.Info().Str("device_id", id.DeviceID).Msg("pairing already completed")
					return id, nil
				}
				return nil, fmt.Errorf("%w: already paired without local identity", ErrRejected)
			case se.HTTPStatus() >= 400 && se.HTTPStatus() < 500:
				return nil, fmt.Errorf("%w: %v", ErrRejected, err)
			}
		}
		return nil, fmt.Errorf("identity: complete pairing: %w", err)
	}

	if err := p.store.Install(p.key, []byte(resp.ClientCert), []byte(resp.CACert), resp.DeviceID); err != nil {
		return nil, err
	}
	return p.store.Load()
}

// csrSubject is the CSR common name: a previously assigned device id when
// one survives on disk, otherwise the provisional id.
func (p *Pairer) csrSubject() string {
	if id, err := p.store.Load(); err == nil && id.DeviceID != "" {
		return id.DeviceID
	}
	return p.provisionalID
}
