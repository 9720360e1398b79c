package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"klonos/internal/config"
	"klonos/internal/store"
	"klonos/internal/vault"
)

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("vault passphrase required: set KLONOS_VAULT_PASSPHRASE or vault.passphrase in the config")
	}
	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return secretList(db)
	case "set":
		return secretSet(db, v, args[1:])
	case "get":
		return secretGet(db, v, args[1:])
	case "delete":
		return secretDelete(db, args[1:])
	case "assign":
		return secretAssign(db, args[1:])
	case "unassign":
		return secretUnassign(db, args[1:])
	case "global":
		return secretGlobal(db, args[1:])
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: klonos secret <command>

Commands:
  list                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]  Store a secret
  set <name> --file <path> [--description <text>]  Store a secret read from a file
  get <name>                        Retrieve and decrypt a secret
  delete <name>                     Delete a secret
  assign <name> --agent <id>        Grant a secret to an agent
  unassign <name> --agent <id>      Revoke a secret from an agent
  global <name> --enable|--disable  Toggle visibility for all agents

Environment:
  KLONOS_VAULT_PASSPHRASE           Encryption passphrase.
`)
}

func secretList(db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tGLOBAL\tDESCRIPTION\tAGENTS")
	for _, s := range secrets {
		global := ""
		if s.Global {
			global = "yes"
		}
		agents, _ := db.GetSecretAgents(s.Name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, global, s.Description, strings.Join(agents, ", "))
	}
	return w.Flush()
}

func secretSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: klonos secret set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte

	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	// Check for optional --description flag
	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	ciphertext, nonce, err := v.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	sec := &store.Secret{
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	}

	// Preserve global flag if updating
	existing, _ := db.GetSecret(name)
	if existing != nil {
		sec.Global = existing.Global
	}

	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func secretGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: klonos secret get <name>")
	}

	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func secretDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: klonos secret delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}

func secretAssign(db *store.Store, args []string) error {
	if len(args) < 3 || args[1] != "--agent" {
		return fmt.Errorf("usage: klonos secret assign <name> --agent <id>")
	}
	if err := db.AddAgentSecret(args[2], args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q assigned to agent %q\n", args[0], args[2])
	return nil
}

func secretUnassign(db *store.Store, args []string) error {
	if len(args) < 3 || args[1] != "--agent" {
		return fmt.Errorf("usage: klonos secret unassign <name> --agent <id>")
	}
	if err := db.RemoveAgentSecret(args[2], args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q unassigned from agent %q\n", args[0], args[2])
	return nil
}

func secretGlobal(db *store.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: klonos secret global <name> --enable|--disable")
	}

	name := args[0]
	sec, err := db.GetSecret(name)
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", name)
	}

	switch args[1] {
	case "--enable":
		sec.Global = true
	case "--disable":
		sec.Global = false
	default:
		return fmt.Errorf("expected --enable or --disable, got %s", args[1])
	}

	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q global=%v\n", name, sec.Global)
	return nil
}
