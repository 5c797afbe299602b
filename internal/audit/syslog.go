package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const (
	syslogFacilityLocal0 = 16
	syslogSeverityInfo   = 6
)

// SyslogShipper writes one RFC 5424 message per record to a syslog collector
// over UDP. UDP is connectionless and best-effort by nature, matching the
// queue's own drop-on-full posture — there is no acknowledgement to wait on.
type SyslogShipper struct {
	addr string
	app  string
}

func NewSyslogShipper(addr, app string) *SyslogShipper {
	return &SyslogShipper{addr: addr, app: app}
}

func (s *SyslogShipper) Name() string { return "syslog" }

func (s *SyslogShipper) Ship(ctx context.Context, records []Record) error {
	conn, err := net.Dial("udp", s.addr)
	if err != nil {
		return fmt.Errorf("audit: dialing syslog collector: %w", err)
	}
	defer conn.Close()

	pri := syslogFacilityLocal0*8 + syslogSeverityInfo
	for _, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("audit: encoding syslog record: %w", err)
		}
		msg := fmt.Sprintf("<%d>1 %s %s %s %d %s - %s\n",
			pri,
			time.Now().UTC().Format(time.RFC3339),
			"elida-firewall",
			s.app,
			0,
			rec.RequestID,
			body,
		)
		if _, err := conn.Write([]byte(msg)); err != nil {
			return fmt.Errorf("audit: writing syslog message: %w", err)
		}
	}
	return nil
}
