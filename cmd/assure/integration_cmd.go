package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// configFlag collects repeated key=value pairs.
type configFlag map[string]string

func (c configFlag) String() string { return fmt.Sprint(map[string]string(c)) }

func (c configFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	c[k] = val
	return nil
}

// runIntegrationCmd implements `assure integration add`. The config is
// sealed with the customer's key before it is stored.
func runIntegrationCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "add" {
		_, _ = fmt.Fprintln(stderr, "Usage: assure integration add --customer ID --type aws|gcp|github|jira [--config key=value ...]")
		return 2
	}

	cmd := flag.NewFlagSet("integration add", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		customer   string
		typ        string
		id         string
		isDefault  bool
		configVals = configFlag{}
	)
	cmd.StringVar(&customer, "customer", "", "Customer ID (REQUIRED)")
	cmd.StringVar(&typ, "type", "", "Integration type: aws, gcp, github or jira (REQUIRED)")
	cmd.StringVar(&id, "id", "", "Integration ID (default: generated)")
	cmd.BoolVar(&isDefault, "default", false, "Prefer this integration when a check needs evidence")
	cmd.Var(configVals, "config", "Config entry key=value (repeatable)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if customer == "" || typ == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --customer and --type are required")
		return 2
	}

	in := &compliance.Integration{
		ID:         id,
		CustomerID: customer,
		Type:       compliance.IntegrationType(typ),
		Kind:       compliance.KindCollector,
		Active:     true,
		Default:    isDefault,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	switch in.Type {
	case compliance.IntegrationAWS, compliance.IntegrationGCP, compliance.IntegrationGitHub:
	case compliance.IntegrationJira:
		in.Kind = compliance.KindTicketing
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unsupported integration type %q\n", typ)
		return 2
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	in.EncryptedConfig, err = a.kms.SealConfig(customer, configVals)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: seal config: %v\n", err)
		return 1
	}
	if err := a.store.SaveIntegration(ctx, in); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: save integration: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Integration %s (%s/%s) added for %s\n", in.ID, in.Type, in.Kind, customer)
	return 0
}
