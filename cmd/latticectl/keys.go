package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/host"
	"github.com/danmuck/lattice/internal/identity"
)

func parseKind(raw string) (identity.Kind, error) {
	for _, k := range []identity.Kind{
		identity.KindAccount,
		identity.KindModule,
		identity.KindHost,
		identity.KindOperator,
		identity.KindProvider,
	} {
		if strings.EqualFold(strings.TrimSpace(raw), k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", identity.ErrInvalidKind, raw)
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage identity keys",
	}
	var kind string
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a key pair and print its public id and seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			kp, err := identity.Generate(k)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public: %s\nseed:   %s\n", kp.Public(), kp.Seed())
			return nil
		},
	})
	cmd.PersistentFlags().StringVar(&kind, "kind", "account", "key kind: account, operator, module, provider or host")
	return cmd
}

// claimsFlags are shared by the signing subcommands.
type claimsFlags struct {
	issuerSeed  string
	subjectSeed string
	name        string
	caps        []string
	contract    string
	revision    int
	expires     time.Duration
	revocation  string
	out         string
}

func (f *claimsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.issuerSeed, "issuer-seed", "", "seed of the signing account or operator (required)")
	cmd.Flags().StringVar(&f.subjectSeed, "subject-seed", "", "seed of the subject key; empty generates one")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().IntVar(&f.revision, "revision", 0, "revision number")
	cmd.Flags().DurationVar(&f.expires, "expires", 0, "validity from now; zero never expires")
	cmd.Flags().StringVar(&f.revocation, "revocation-id", "", "revocation id")
	cmd.Flags().StringVar(&f.out, "out", "", "output path")
	_ = cmd.MarkFlagRequired("issuer-seed")
}

// build resolves keys and fills the claims common to actors and providers.
func (f *claimsFlags) build(kind identity.Kind) (claims.Claims, *identity.KeyPair, *identity.KeyPair, error) {
	issuer, err := identity.FromSeed(f.issuerSeed)
	if err != nil {
		return claims.Claims{}, nil, nil, fmt.Errorf("issuer: %w", err)
	}
	var subject *identity.KeyPair
	if f.subjectSeed != "" {
		subject, err = identity.FromSeed(f.subjectSeed)
	} else {
		subject, err = identity.Generate(kind)
	}
	if err != nil {
		return claims.Claims{}, nil, nil, fmt.Errorf("subject: %w", err)
	}
	if subject.Kind() != kind {
		return claims.Claims{}, nil, nil, fmt.Errorf("subject: %w: want %s, got %s", identity.ErrInvalidKind, kind, subject.Kind())
	}
	now := time.Now().UTC().Truncate(time.Second)
	c := claims.Claims{
		Subject:      subject.Public(),
		Issuer:       issuer.Public(),
		Name:         f.name,
		Capabilities: normalizeList(f.caps),
		Contract:     strings.TrimSpace(f.contract),
		Revision:     f.revision,
		IssuedAt:     now,
		RevocationID: strings.TrimSpace(f.revocation),
	}
	if f.expires > 0 {
		c.ExpiresAt = now.Add(f.expires)
	}
	return c, issuer, subject, nil
}

func newClaimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Sign and inspect claims envelopes",
	}

	actorFlags := &claimsFlags{}
	sign := &cobra.Command{
		Use:   "sign <module.wasm>",
		Short: "Embed signed actor claims in a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, issuer, subject, err := actorFlags.build(identity.KindModule)
			if err != nil {
				return err
			}
			signed, _, err := claims.Sign(module, c, issuer)
			if err != nil {
				return err
			}
			out := actorFlags.out
			if out == "" {
				out = strings.TrimSuffix(args[0], ".wasm") + "_s.wasm"
			}
			if err := os.WriteFile(out, signed, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "actor:   %s\nseed:    %s\nmodule:  %s\n", subject.Public(), subject.Seed(), out)
			return nil
		},
	}
	actorFlags.register(sign)
	sign.Flags().StringArrayVar(&actorFlags.caps, "cap", nil, "contract the actor may call (repeatable)")

	providerFlags := &claimsFlags{}
	prov := &cobra.Command{
		Use:   "provider <binary>",
		Short: "Write signed provider claims beside a provider binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			c, issuer, subject, err := providerFlags.build(identity.KindProvider)
			if err != nil {
				return err
			}
			envelope, err := claims.Encode(c, issuer)
			if err != nil {
				return err
			}
			out := providerFlags.out
			if out == "" {
				out = args[0] + host.ClaimsSuffix
			}
			if err := os.WriteFile(out, []byte(envelope+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provider: %s\nseed:     %s\nclaims:   %s\n", subject.Public(), subject.Seed(), out)
			return nil
		},
	}
	providerFlags.register(prov)
	prov.Flags().StringVar(&providerFlags.contract, "contract", "", "contract implemented, e.g. wasmcloud:keyvalue (required)")
	_ = prov.MarkFlagRequired("contract")

	inspect := &cobra.Command{
		Use:   "inspect <module.wasm|claims.jwt>",
		Short: "Verify and print the claims in a module or envelope file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := inspectClaims(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "subject:  %s\nissuer:   %s\nname:     %s\n", c.Subject, c.Issuer, c.Name)
			if c.Contract != "" {
				fmt.Fprintf(w, "contract: %s\n", c.Contract)
			}
			if len(c.Capabilities) > 0 {
				fmt.Fprintf(w, "caps:     %s\n", strings.Join(c.Capabilities, ","))
			}
			if !c.ExpiresAt.IsZero() {
				fmt.Fprintf(w, "expires:  %s\n", c.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(sign, prov, inspect)
	return cmd
}

// inspectClaims reads either an embedded module envelope or a bare envelope
// file and checks its signature.
func inspectClaims(path string) (claims.Claims, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return claims.Claims{}, err
	}
	envelope := strings.TrimSpace(string(b))
	if strings.HasPrefix(string(b), "\x00asm") {
		if envelope, err = claims.Extract(b); err != nil {
			return claims.Claims{}, err
		}
	}
	return claims.CheckSignature(envelope)
}
