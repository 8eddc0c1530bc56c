// Package vetting runs the version/geolocation/speed checks a newly
// accepted slave must pass before it enters the broker's pool.
package vetting

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/frame"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/slave"
)

// AllowedVersions is the hard-coded allowlist of slave versions accepted
// into the pool.
var AllowedVersions = map[string]struct{}{
	"1.0.9": {},
}

const (
	locationCheckURLTemplate = "https://ipinfo.io/widget/demo/%s"
	speedTestURL             = "https://speed.cloudflare.com/__down?bytes=5000000"
)

// RequestTimeout bounds every individual vetting round trip.
var RequestTimeout = 10 * time.Second

// Rejection describes why a candidate slave failed vetting; it is always
// fatal to that candidate and never to the broker.
type Rejection struct {
	Step   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("vetting: %s check failed: %s", r.Step, r.Reason)
}

func reject(step, reason string) error {
	return &Rejection{Step: step, Reason: reason}
}

// Run executes the version, geolocation, and speed checks in order,
// aborting on the first failure. allowedLocations is case-insensitive and,
// if empty, every location is accepted.
func Run(s *slave.Slave, allowedLocations []string, log *logrus.Entry) error {
	if err := versionCheck(s, log); err != nil {
		return err
	}
	if err := locationCheck(s, allowedLocations, log); err != nil {
		return err
	}
	if err := speedCheck(s, log); err != nil {
		return err
	}
	return nil
}

func roundTrip(s *slave.Slave, cmd frame.CommandKind, payload []byte) ([]byte, error) {
	if err := s.SetDeadline(time.Now().Add(RequestTimeout)); err != nil {
		return nil, err
	}
	defer s.SetDeadline(time.Time{})

	if err := s.WriteFrame(frame.EncodeCommand(0, cmd, payload)); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	reply, err := s.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if reply.Kind != frame.KindCommand {
		return nil, fmt.Errorf("expected command reply, got data frame")
	}
	return reply.Payload, nil
}

func versionCheck(s *slave.Slave, log *logrus.Entry) error {
	payload, err := roundTrip(s, frame.CmdVersionCheck, nil)
	if err != nil {
		return reject("version", err.Error())
	}
	version := strings.TrimSpace(string(payload))
	if version == "" {
		return reject("version", "empty version in reply")
	}
	if _, ok := AllowedVersions[version]; !ok {
		return reject("version", fmt.Sprintf("unsupported version %q", version))
	}
	s.SetVersion(version)
	log.WithField("version", version).Debug("slave passed version check")
	return nil
}

type locationEnvelope struct {
	Data struct {
		Country string `json:"country"`
	} `json:"data"`
}

func locationCheckURL(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return fmt.Sprintf(locationCheckURLTemplate, host)
}

func locationCheck(s *slave.Slave, allowedLocations []string, log *logrus.Entry) error {
	url := locationCheckURL(s.Addr)
	payload, err := roundTrip(s, frame.CmdLocationCheck, []byte(url))
	if err != nil {
		return reject("location", err.Error())
	}

	var env locationEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return reject("location", fmt.Sprintf("malformed location body: %v", err))
	}
	country := env.Data.Country
	if country == "" {
		return reject("location", "missing data.country in location body")
	}

	if len(allowedLocations) > 0 && !containsFold(allowedLocations, country) {
		return reject("location", fmt.Sprintf("country %q not in allowlist", country))
	}

	s.SetLocation(country)
	log.WithField("country", country).Debug("slave passed location check")
	return nil
}

func speedCheck(s *slave.Slave, log *logrus.Entry) error {
	payload, err := roundTrip(s, frame.CmdSpeedCheck, []byte(speedTestURL))
	if err != nil {
		return reject("speed", err.Error())
	}

	mbps, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return reject("speed", fmt.Sprintf("malformed speed measurement: %v", err))
	}

	s.SetSpeed(mbps)
	log.WithField("mbps", mbps).Debug("slave passed speed check")
	return nil
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
