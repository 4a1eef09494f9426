/*
Package handler provides HTTP handler functions for the JSON side-channel: ICE configuration,
live statistics and the proof-of-work challenge.
*/
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"pairup/internal/app/transport"
	"pairup/internal/pkg/errs"
	"pairup/internal/pkg/logx"
	"pairup/internal/pkg/pow"
	"pairup/internal/pkg/req"
	"pairup/internal/pkg/resp"
)

const statsTimeout = 2 * time.Second

// HandleICEConfig serves the ICE servers a client should use for its peer connection.
func HandleICEConfig(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := deps.ICE.Config()
		if err != nil {
			logx.Error(err, "Failed to build ICE configuration")
			resp.RespondError(w, r, errs.NewError(errs.ErrICEUnavailable))
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		resp.RespondSuccess(w, r, cfg)
	}
}

// StatsResponse reports connections on this process and the size of the shared waiting pool.
type StatsResponse struct {
	transport.Stats
	PoolSize int `json:"poolSize"`
}

// HandleStats reports live counts.
func HandleStats(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
		defer cancel()

		poolSize, err := deps.Backend.WaitingCount(ctx)
		if err != nil {
			logx.Error(err, "Failed to read waiting pool size")
			resp.RespondError(w, r, errs.NewError(errs.ErrBackendUnavailable))
			return
		}

		resp.RespondSuccess(w, r, StatsResponse{
			Stats:    deps.Hub.Stats(),
			PoolSize: poolSize,
		})
	}
}

type PowChallengeResponse struct {
	Enabled    bool   `json:"enabled"`
	Difficulty int    `json:"difficulty"`
	Nonce      string `json:"nonce,omitempty"`
}

// HandlePowChallenge issues a nonce when the gate is enabled.
func HandlePowChallenge(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Pow.Enabled() {
			resp.RespondSuccess(w, r, PowChallengeResponse{})
			return
		}

		resp.RespondSuccess(w, r, PowChallengeResponse{
			Enabled:    true,
			Difficulty: deps.Pow.Difficulty(),
			Nonce:      deps.Pow.GenerateNonce(),
		})
	}
}

type PowVerifyInput struct {
	Nonce   string `json:"nonce"`
	Counter string `json:"counter"`
}

type PowVerifyResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// HandlePowVerify trades a valid proof for a single-use connection token.
func HandlePowVerify(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input PowVerifyInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		input.Nonce = strings.TrimSpace(input.Nonce)
		input.Counter = strings.TrimSpace(input.Counter)
		if input.Nonce == "" || input.Counter == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		token, err := deps.Pow.ValidateProof(input.Nonce, input.Counter)
		if err != nil {
			reason := "invalid proof"
			switch {
			case errors.Is(err, pow.ErrNonceInvalid), errors.Is(err, pow.ErrNonceConsumed):
				reason = "challenge expired"
			case errors.Is(err, pow.ErrProofTooWeak):
				reason = "insufficient work"
			}
			logx.Debug("Proof rejected", "reason", err.Error())
			resp.RespondError(w, r, errs.NewError(errs.ErrPowChallengeInvalid, reason))
			return
		}

		resp.RespondSuccess(w, r, PowVerifyResponse{
			Token:     token,
			ExpiresIn: int(pow.ProofTokenDuration.Seconds()),
		})
	}
}
