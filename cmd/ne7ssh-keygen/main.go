// Command ne7ssh-keygen generates and saves DSA or RSA keypairs for use
// with cmd/ne7ssh's -i flag, grounded on xtaci-qsh's main.go/cmd_client.go
// App/Command structure, adapted from its HPPK-specific genkey command to
// package keys' DSA/RSA subsystem.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/awnumar/memguard"
	cli "github.com/urfave/cli/v2"

	"github.com/netsieben/ne7ssh/keys"
)

const exampleGenKey = "ne7ssh-keygen -t rsa -b 2048 -o ./id_rsa"

func main() {
	memguard.CatchInterrupt()
	app := &cli.App{
		Name:  "ne7ssh-keygen",
		Usage: "Generate a DSA or RSA keypair for ne7ssh",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: "rsa", Usage: "key type: rsa or dsa"},
			&cli.IntFlag{Name: "bits", Aliases: []string{"b"}, Value: 2048, Usage: "key size in bits (dsa is always 1024)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "path for the private key (public key stored as path.pub)"},
			&cli.StringFlag{Name: "comment", Aliases: []string{"C"}, Usage: "comment stored in the public key file"},
		},
		Action: runGenKeyCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runGenKeyCommand(c *cli.Context) error {
	path := c.String("output")
	if path == "" {
		return exitWithExample("genkey requires --output", exampleGenKey)
	}

	var kp *keys.KeyPair
	var err error
	switch c.String("type") {
	case "rsa":
		kp, err = keys.GenerateRSA(c.Int("bits"))
	case "dsa":
		kp, err = keys.GenerateDSA(1024)
	default:
		return exitWithExample(fmt.Sprintf("unknown key type %q", c.String("type")), exampleGenKey)
	}
	if err != nil {
		return fmt.Errorf("%w\nExample: %s", err, exampleGenKey)
	}

	if err := keys.SavePrivate(kp, path); err != nil {
		return err
	}
	if err := keys.SavePublic(kp, path+".pub", c.String("comment")); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote private key to %s and public key to %s.pub\n", path, path)
	return nil
}

func exitWithExample(message, example string) error {
	return cli.Exit(fmt.Sprintf("%s\nExample: %s", message, example), 1)
}
