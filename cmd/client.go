// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-pki/go-cmp-server/cmp"
)

var (
	clientURL     string
	clientTimeout time.Duration
)

// clientCmd groups the end-entity operations
var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run end-entity exchanges against a CA",
}

var irCmd = &cobra.Command{
	Use:   "ir",
	Short: "Initial certificate request with MAC protection",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return clientCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := viper.GetString("reference")
		secret := viper.GetString("secret")
		cn := viper.GetString("cn")
		if ref == "" || secret == "" {
			return errors.New("--reference and --secret are required")
		}

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		sess, err := cmp.NewSession(cmp.RoleClient,
			&cmp.HTTPTransport{URL: clientURL},
			cmp.Identity{Password: []byte(secret), Reference: []byte(ref)},
			cmp.WithTimeout(clientTimeout))
		if err != nil {
			return err
		}

		tmpl := &cmp.CertTemplate{
			SubjectKey: key,
			KeyUsage:   x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		}
		if cn != "" {
			tmpl.Subject = pkix.Name{CommonName: cn}
		}
		issued, err := sess.RequestInitial(cmd.Context(), tmpl)
		if err != nil {
			return err
		}
		slog.Info("Certificate issued", "subject", issued.Certificate.Subject.String(),
			"serial", issued.Certificate.SerialNumber.Text(16))
		return writeCredentials(issued, key)
	},
}

var kurCmd = &cobra.Command{
	Use:   "kur",
	Short: "Key update: certify a fresh key under the current certificate",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return clientCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, key, caCert, err := loadClientIdentity()
		if err != nil {
			return err
		}
		newKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		sess, err := cmp.NewSession(cmp.RoleClient,
			&cmp.HTTPTransport{URL: clientURL},
			cmp.Identity{Cert: cert, Key: key},
			cmp.WithTimeout(clientTimeout),
			cmp.WithPeerCertificate(caCert))
		if err != nil {
			return err
		}
		issued, err := sess.RequestUpdate(cmd.Context(), cert, &cmp.CertTemplate{
			SubjectKey: newKey,
			KeyUsage:   x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		})
		if err != nil {
			return err
		}
		slog.Info("Certificate updated", "serial", issued.Certificate.SerialNumber.Text(16))
		return writeCredentials(issued, newKey)
	},
}

var rrCmd = &cobra.Command{
	Use:   "rr serial-hex",
	Short: "Revoke a certificate by serial number",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return clientCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, key, caCert, err := loadClientIdentity()
		if err != nil {
			return err
		}
		serial, ok := new(big.Int).SetString(args[0], 16)
		if !ok {
			return fmt.Errorf("invalid serial number %q", args[0])
		}
		sess, err := cmp.NewSession(cmp.RoleClient,
			&cmp.HTTPTransport{URL: clientURL},
			cmp.Identity{Cert: cert, Key: key},
			cmp.WithTimeout(clientTimeout),
			cmp.WithPeerCertificate(caCert))
		if err != nil {
			return err
		}
		err = sess.RequestRevocation(cmd.Context(), cmp.RevocationTarget{
			IssuerRaw:    caCert.RawSubject,
			SerialNumber: serial,
			Reason:       cmp.ReasonKeyCompromise,
		})
		if err != nil {
			return err
		}
		slog.Info("Certificate revoked", "serial", args[0])
		return nil
	},
}

var pkibootCmd = &cobra.Command{
	Use:   "pkiboot",
	Short: "Fetch the CA's certificate trust list",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return clientCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := viper.GetString("reference")
		secret := viper.GetString("secret")
		if ref == "" || secret == "" {
			return errors.New("--reference and --secret are required")
		}
		sess, err := cmp.NewSession(cmp.RoleClient,
			&cmp.HTTPTransport{URL: clientURL},
			cmp.Identity{Password: []byte(secret), Reference: []byte(ref)},
			cmp.WithTimeout(clientTimeout))
		if err != nil {
			return err
		}
		certs, err := sess.FetchTrustList(cmd.Context())
		if err != nil {
			return err
		}
		out := os.Stdout
		for _, cert := range certs {
			if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
				return err
			}
		}
		return nil
	},
}

func clientCmdInit() {
	clientCmd.PersistentFlags().String("url", "http://127.0.0.1:8080/pkix/cmp", "CA server endpoint")
	clientCmd.PersistentFlags().Duration("timeout", cmp.DefaultTimeout, "Per-exchange timeout budget")
	clientCmd.PersistentFlags().String("reference", "", "PKI user reference")
	clientCmd.PersistentFlags().String("secret", "", "PKI user enrolment secret")
	clientCmd.PersistentFlags().String("cn", "", "Requested subject common name")
	clientCmd.PersistentFlags().String("cert", "", "Path to the client certificate")
	clientCmd.PersistentFlags().String("key", "", "Path to the client private key")
	clientCmd.PersistentFlags().String("ca-cert", "", "Path to the CA certificate")
	clientCmd.PersistentFlags().String("out", "cert.pem", "Where to write the issued certificate")
	clientCmd.PersistentFlags().String("keyout", "key.pem", "Where to write the new private key")
	clientCmd.AddCommand(irCmd, kurCmd, rrCmd, pkibootCmd)
	rootCmd.AddCommand(clientCmd)
}

func init() {
	clientCmdInit()
}

func clientCmdLoadConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(clientCmd.PersistentFlags()); err != nil {
		return err
	}
	if err := rootCmdLoadConfig(cmd); err != nil {
		return err
	}
	clientURL = viper.GetString("url")
	clientTimeout = viper.GetDuration("timeout")
	return nil
}

func loadClientIdentity() (*x509.Certificate, *rsa.PrivateKey, *x509.Certificate, error) {
	certPath := viper.GetString("cert")
	keyPath := viper.GetString("key")
	caPath := viper.GetString("ca-cert")
	if certPath == "" || keyPath == "" || caPath == "" {
		return nil, nil, nil, errors.New("--cert, --key, and --ca-cert are required")
	}
	cert, err := parseCertificate(certPath)
	if err != nil {
		return nil, nil, nil, err
	}
	signer, err := parsePrivateKey(keyPath)
	if err != nil {
		return nil, nil, nil, err
	}
	key, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, nil, errors.New("client key must be RSA")
	}
	caCert, err := parseCertificate(caPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return cert, key, caCert, nil
}

func writeCredentials(issued *cmp.IssuedCertificate, key *rsa.PrivateKey) error {
	certOut := viper.GetString("out")
	keyOut := viper.GetString("keyout")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issued.Certificate.Raw})
	if err := os.WriteFile(certOut, certPEM, 0o644); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyOut, keyPEM, 0o600); err != nil {
		return err
	}
	for i, caCert := range issued.CACerts {
		slog.Debug("CA certificate received", "index", i, "subject", caCert.Subject.String())
	}
	slog.Info("Credentials written", "cert", certOut, "key", keyOut)
	return nil
}
