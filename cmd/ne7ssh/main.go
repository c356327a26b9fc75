// Command ne7ssh is an interactive SSH client: password or publickey
// authentication, a raw-mode shell bridged over a session channel, and a
// oneshot exec mode. Grounded on xtaci-qsh's main.go/cmd_client.go CLI
// structure and tty.go's term.MakeRaw/stdin-forwarding loop, adapted from
// its HPPK/QPP session type to *ne7ssh.Session.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/netsieben/ne7ssh"
	"github.com/netsieben/ne7ssh/channel"
)

const exampleClient = "ne7ssh -i ./id_rsa -P 22 user@127.0.0.1"

func main() {
	memguard.CatchInterrupt()
	app := &cli.App{
		Name:  "ne7ssh",
		Usage: "Connect to an SSH server and attach an interactive shell (or run a single command)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "identity", Aliases: []string{"i"}, Usage: "path to a private key (omit to authenticate with a password)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"P"}, Value: 22, Usage: "remote port when not specified in the target"},
			&cli.StringFlag{Name: "command", Aliases: []string{"c"}, Usage: "run a single command instead of an interactive shell"},
			&cli.StringFlag{Name: "cipher", Usage: "preferred cipher name"},
			&cli.StringFlag{Name: "mac", Usage: "preferred MAC name"},
		},
		Action: runClientCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runClientCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return exitWithExample("client mode requires the remote target", exampleClient)
	}

	target := strings.TrimSpace(c.Args().First())
	user, host, err := splitTarget(target, c.Int("port"))
	if err != nil {
		return exitWithExample(err.Error(), exampleClient)
	}

	opts := ne7ssh.Options{PreferredCipher: c.String("cipher"), PreferredMAC: c.String("mac")}
	sink := ne7ssh.NewErrorSink()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wantShell := c.String("command") == ""

	var session *ne7ssh.Session
	var ch *channel.Channel
	identity := c.String("identity")
	if identity != "" {
		session, ch, err = ne7ssh.ConnectWithKey(ctx, host, user, identity, wantShell, opts, nil, sink)
	} else {
		var pass string
		pass, err = promptPassword(fmt.Sprintf("Password for %s@%s: ", user, host))
		if err != nil {
			return err
		}
		session, ch, err = ne7ssh.ConnectWithPassword(ctx, host, user, pass, wantShell, opts, nil, sink)
	}
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer session.Close()

	if command := c.String("command"); command != "" {
		return runOneShot(ctx, session, command)
	}
	return runInteractiveShell(session, ch)
}

func splitTarget(target string, defaultPort int) (user, addr string, err error) {
	at := strings.Index(target, "@")
	if at == -1 {
		return "", "", fmt.Errorf("target must be in the form user@host")
	}
	user = strings.TrimSpace(target[:at])
	hostPart := strings.TrimSpace(target[at+1:])
	if user == "" || hostPart == "" {
		return "", "", fmt.Errorf("target must be in the form user@host")
	}
	if !strings.Contains(hostPart, ":") {
		hostPart = fmt.Sprintf("%s:%d", hostPart, defaultPort)
	}
	return user, hostPart, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func runOneShot(ctx context.Context, session *ne7ssh.Session, command string) error {
	ch, err := session.Exec(ctx, command)
	if err != nil {
		return err
	}
	for {
		time.Sleep(50 * time.Millisecond)
		if out := session.Read(ch); len(out) > 0 {
			os.Stdout.Write(out)
		}
	}
}

// runInteractiveShell bridges the local TTY with ch, per xtaci-qsh's
// tty.go startInteractiveShell.
func runInteractiveShell(session *ne7ssh.Session, ch *channel.Channel) error {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err == nil {
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- forwardStdin(session, ch) }()
	go func() { errCh <- readRemoteOutput(session, ch) }()
	return <-errCh
}

func forwardStdin(session *ne7ssh.Session, ch *channel.Channel) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if sendErr := session.Send(context.Background(), ch, buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			return err
		}
	}
}

func readRemoteOutput(session *ne7ssh.Session, ch *channel.Channel) error {
	for {
		if out := session.Read(ch); len(out) > 0 {
			os.Stdout.Write(out)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func exitWithExample(message, example string) error {
	return cli.Exit(fmt.Sprintf("%s\nExample: %s", message, example), 1)
}
