// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/quist/pkg/discovery"
	"github.com/dtn7/quist/pkg/identity"
	"github.com/dtn7/quist/pkg/monitor"
	"github.com/dtn7/quist/pkg/session"
	"github.com/dtn7/quist/pkg/storage"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Identity  identityConf
	Trust     trustConf
	Listen    listenConf
	Logging   logConf
	Discovery discoveryConf
	Monitor   monitorConf
	Profiling bool
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeName string `toml:"node-name"`
	Store    string
	Inbox    string
}

// identityConf describes the Identity-configuration block. Existing files are
// loaded; if both are absent, a fresh identity is generated and persisted.
type identityConf struct {
	Cert     string
	Key      string
	Subject  string
	Validity string
}

// trustConf describes the Trust-configuration block.
type trustConf struct {
	Policy       string
	Fingerprints []string
	CaFile       string `toml:"ca-file"`
}

// listenConf describes the Listen-configuration block.
type listenConf struct {
	Address   string
	MaxFrame  uint32 `toml:"max-frame"`
	ChunkSize int    `toml:"chunk-size"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// monitorConf describes the Monitor-configuration block.
type monitorConf struct {
	Listen string
}

// validate the configuration before any resource is touched, aggregating all
// findings instead of stopping at the first one.
func (conf tomlConfig) validate() (errs error) {
	if conf.Core.NodeName == "" {
		errs = multierror.Append(errs, fmt.Errorf("core.node-name is empty"))
	}
	if conf.Core.Store == "" {
		errs = multierror.Append(errs, fmt.Errorf("core.store is empty"))
	}
	if conf.Core.Inbox == "" {
		errs = multierror.Append(errs, fmt.Errorf("core.inbox is empty"))
	}

	if conf.Identity.Cert == "" || conf.Identity.Key == "" {
		errs = multierror.Append(errs, fmt.Errorf("identity.cert and identity.key must be set"))
	}
	if conf.Identity.Validity != "" {
		if _, err := time.ParseDuration(conf.Identity.Validity); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("identity.validity: %w", err))
		}
	}

	switch conf.Trust.Policy {
	case "", "any", "fingerprints", "ca", "system":

	default:
		errs = multierror.Append(errs, fmt.Errorf(
			"trust.policy \"%s\" is unknown, provided: any,fingerprints,ca,system", conf.Trust.Policy))
	}
	if conf.Trust.Policy == "fingerprints" && len(conf.Trust.Fingerprints) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("trust.fingerprints is empty"))
	}
	if conf.Trust.Policy == "ca" && conf.Trust.CaFile == "" {
		errs = multierror.Append(errs, fmt.Errorf("trust.ca-file is empty"))
	}

	if conf.Listen.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen.address is empty"))
	}

	return
}

// setupLogging configures logrus from the Logging block.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseIdentity loads the node's identity or, if both files are absent,
// generates a fresh one and persists it under the configured paths.
func parseIdentity(conf identityConf, nodeName string) (*identity.Identity, error) {
	certBytes, certErr := os.ReadFile(conf.Cert)
	keyBytes, keyErr := os.ReadFile(conf.Key)

	switch {
	case certErr == nil && keyErr == nil:
		return identity.Load(certBytes, keyBytes)

	case os.IsNotExist(certErr) && os.IsNotExist(keyErr):
		// generated below

	case certErr != nil && !os.IsNotExist(certErr):
		return nil, certErr

	case keyErr != nil && !os.IsNotExist(keyErr):
		return nil, keyErr

	default:
		return nil, fmt.Errorf("one of %s, %s exists without the other", conf.Cert, conf.Key)
	}

	subject := conf.Subject
	if subject == "" {
		subject = nodeName
	}

	validity := 365 * 24 * time.Hour
	if conf.Validity != "" {
		d, err := time.ParseDuration(conf.Validity)
		if err != nil {
			return nil, err
		}
		validity = d
	}

	id, err := identity.Generate(subject, validity)
	if err != nil {
		return nil, err
	}

	keyPem, err := id.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(conf.Cert, id.CertificatePEM(), 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(conf.Key, keyPem, 0600); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"subject":     subject,
		"fingerprint": id.Fingerprint(),
		"cert":        conf.Cert,
	}).Info("Generated new identity")

	return id, nil
}

// parseTrust builds the TrustPolicy applied to connecting peers.
func parseTrust(conf trustConf) (identity.TrustPolicy, error) {
	switch conf.Policy {
	case "", "any":
		return identity.TrustAny(), nil

	case "fingerprints":
		return identity.TrustFingerprints(conf.Fingerprints...)

	case "ca":
		pemCerts, err := os.ReadFile(conf.CaFile)
		if err != nil {
			return identity.TrustPolicy{}, err
		}
		return identity.TrustCAs(pemCerts)

	case "system":
		return identity.TrustSystem(), nil

	default:
		return identity.TrustPolicy{}, fmt.Errorf("unknown trust.policy \"%s\"", conf.Policy)
	}
}

// parseNode builds the whole Node from the given TOML configuration.
func parseNode(filename string) (node *Node, profiling bool, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	setupLogging(conf.Logging)

	if err = conf.validate(); err != nil {
		return
	}
	profiling = conf.Profiling

	id, idErr := parseIdentity(conf.Identity, conf.Core.NodeName)
	if idErr != nil {
		err = idErr
		return
	}

	trust, trustErr := parseTrust(conf.Trust)
	if trustErr != nil {
		err = trustErr
		return
	}

	serverConf, confErr := identity.BuildServerConfig(id, trust)
	if confErr != nil {
		err = confErr
		return
	}

	listener, listenErr := session.Listen(conf.Listen.Address, serverConf, &session.Options{
		MaxFrameLength: conf.Listen.MaxFrame,
	})
	if listenErr != nil {
		err = listenErr
		return
	}

	store, storeErr := storage.NewStore(conf.Core.Store)
	if storeErr != nil {
		err = storeErr
		_ = listener.Close()
		return
	}

	if err = os.MkdirAll(conf.Core.Inbox, 0700); err != nil {
		_ = listener.Close()
		_ = store.Close()
		return
	}
	sweepInbox(conf.Core.Inbox)

	node = &Node{
		name:      conf.Core.NodeName,
		identity:  id,
		listener:  listener,
		store:     store,
		inboxDir:  conf.Core.Inbox,
		chunkSize: conf.Listen.ChunkSize,

		started:  time.Now(),
		sessions: make(map[*session.Session]struct{}),
	}

	if conf.Monitor.Listen != "" {
		m, mErr := monitor.NewMonitor(conf.Monitor.Listen, node)
		if mErr != nil {
			err = mErr
			_ = listener.Close()
			_ = store.Close()
			node = nil
			return
		}
		node.monitor = m
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		announcement := discovery.Announcement{
			Name:        conf.Core.NodeName,
			Port:        listenPort(listener),
			Fingerprint: id.Fingerprint(),
		}

		d, dErr := discovery.NewManager(announcement, node.peerDiscovered,
			time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if dErr != nil {
			err = dErr
			if node.monitor != nil {
				node.monitor.Close()
			}
			_ = listener.Close()
			_ = store.Close()
			node = nil
			return
		}
		node.disco = d
	}

	node.start()

	return
}
