package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mastercactapus/gcstream/config"
	"github.com/mastercactapus/gcstream/transport"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// getPassword retrieves the password from the environment or prompts for it.
func getPassword() (string, error) {
	if pw := os.Getenv("GCNC_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		// not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}
	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// openConnection opens the link selected by cfg and describes it.
func openConnection(ctx context.Context, cfg config.Config, log zerolog.Logger) (transport.Connection, string, error) {
	switch {
	case cfg.URL != "":
		var password string
		if cfg.Username != "" {
			var err error
			password, err = getPassword()
			if err != nil {
				return nil, "", err
			}
		}
		conn, err := transport.OpenWebSocket(ctx, transport.WebSocketOptions{
			URL:           cfg.URL,
			Username:      cfg.Username,
			Password:      password,
			SkipTLSVerify: wsNoSSLVerify,
		})
		if err != nil {
			return nil, "", err
		}
		return conn, "websocket: " + cfg.URL, nil

	case cfg.SPJS != "":
		conn, err := transport.OpenSPJS(ctx, transport.SPJSOptions{
			URL:    cfg.SPJS,
			Port:   cfg.Port,
			Baud:   cfg.Baud,
			Logger: log,
		})
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("spjs: %s %s @ %d baud", cfg.SPJS, cfg.Port, cfg.Baud), nil
	}

	conn, err := transport.OpenSerial(transport.SerialOptions{
		Port:   cfg.Port,
		Baud:   cfg.Baud,
		Driver: cfg.Driver,
	})
	if err != nil {
		return nil, "", err
	}
	return conn, fmt.Sprintf("serial: %s @ %d baud (%s)", cfg.Port, cfg.Baud, cfg.Driver), nil
}
