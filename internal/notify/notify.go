// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify sends mail alerts.
package notify // import "github.com/go-lpc/cd11/internal/notify"

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	mail "gopkg.in/gomail.v2"
)

var errCredentials = errors.New("notify: missing mail credentials")

// Mailer sends alerts by mail.
type Mailer struct {
	Tag     string // prepended to subjects, e.g. "cd11-dataman"
	Usr     string
	Pwd     string
	Server  string
	Port    int
	Targets []string

	sender mail.Sender // when nil, a new SMTP connection is dialed.
}

// FromEnv creates a mailer configured from the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment
// variables.
func FromEnv(tag string) *Mailer {
	port, _ := strconv.Atoi(os.Getenv("MAIL_PORT"))
	var tgts []string
	for _, v := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			tgts = append(tgts, v)
		}
	}
	return &Mailer{
		Tag:     tag,
		Usr:     os.Getenv("MAIL_USERNAME"),
		Pwd:     os.Getenv("MAIL_PASSWORD"),
		Server:  os.Getenv("MAIL_SERVER"),
		Port:    port,
		Targets: tgts,
	}
}

// Enabled reports whether the mailer has all the needed credentials.
func (m *Mailer) Enabled() bool {
	return m.Usr != "" && m.Pwd != "" &&
		m.Server != "" && m.Port != 0 &&
		len(m.Targets) != 0
}

// Notify sends an alert with the provided subject and body.
func (m *Mailer) Notify(subject, body string) error {
	if !m.Enabled() {
		return errCredentials
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.Usr)
	msg.SetHeader("Bcc", m.Targets...)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] %s", m.Tag, subject))
	msg.SetBody("text/plain", body)

	var err error
	switch m.sender {
	case nil:
		dial := mail.NewDialer(m.Server, m.Port, m.Usr, m.Pwd)
		dial.TLSConfig = &tls.Config{
			ServerName: m.Server,
		}
		err = dial.DialAndSend(msg)
	default:
		err = mail.Send(m.sender, msg)
	}
	if err != nil {
		return fmt.Errorf("notify: could not send mail alert: %w", err)
	}
	return nil
}
