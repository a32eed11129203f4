// testing.go provides a staged MQTT connection check for the doctor command.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/radiords/radiords/internal/logger"
)

// TestResult represents the result of one stage.
type TestResult struct {
	Success bool          `json:"success"`
	Stage   string        `json:"stage"`
	Message string        `json:"message"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// TestStage represents a stage in the connection test.
type TestStage int

const (
	DNSResolution TestStage = iota
	TCPConnection
	MQTTConnection
	MessagePublish
)

// String returns the string representation of a test stage.
func (s TestStage) String() string {
	switch s {
	case DNSResolution:
		return "DNS Resolution"
	case TCPConnection:
		return "TCP Connection"
	case MQTTConnection:
		return "MQTT Connection"
	case MessagePublish:
		return "Message Publishing"
	default:
		return "Unknown Stage"
	}
}

// Timeout constants for the test stages.
const (
	dnsTimeout  = 5 * time.Second
	tcpTimeout  = 5 * time.Second
	mqttTimeout = 10 * time.Second
	pubTimeout  = 5 * time.Second
)

// networkTest is one stage body.
type networkTest func(context.Context) error

// runNetworkTest runs test under ctx and converts the outcome.
func runNetworkTest(ctx context.Context, stage TestStage, test networkTest) TestResult {
	start := time.Now()
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- test(ctx)
	}()

	result := TestResult{Stage: stage.String()}
	select {
	case <-ctx.Done():
		result.Error = "operation timeout"
		result.Message = fmt.Sprintf("%s operation timed out", stage)
	case err := <-resultChan:
		if err != nil {
			result.Error = err.Error()
			result.Message = fmt.Sprintf("Failed to perform %s", stage)
		} else {
			result.Success = true
			result.Message = fmt.Sprintf("Successfully completed %s", stage)
		}
	}
	result.Elapsed = time.Since(start)
	return result
}

// TestConnection checks the broker stage by stage and stops at the first
// failure. The client is disconnected before returning.
func TestConnection(ctx context.Context, config Config, c Client) []TestResult {
	log := GetLogger()
	var results []TestResult
	record := func(r TestResult) bool {
		results = append(results, r)
		if r.Success {
			log.Debug("mqtt check passed", logger.String("stage", r.Stage))
		} else {
			log.Warn("mqtt check failed", logger.String("stage", r.Stage), logger.String("error", r.Error))
		}
		return r.Success
	}

	host := extractHost(config.Broker)
	if host == "" {
		record(TestResult{
			Stage:   DNSResolution.String(),
			Message: "Broker URL has no host",
			Error:   fmt.Sprintf("invalid broker URL %q", config.Broker),
		})
		return results
	}

	if !isIPAddress(host) {
		dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
		ok := record(runNetworkTest(dnsCtx, DNSResolution, func(ctx context.Context) error {
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		}))
		cancel()
		if !ok {
			return results
		}
	}

	tcpCtx, cancel := context.WithTimeout(ctx, tcpTimeout)
	ok := record(runNetworkTest(tcpCtx, TCPConnection, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", extractHostPort(config.Broker))
		if err != nil {
			return err
		}
		return conn.Close()
	}))
	cancel()
	if !ok {
		return results
	}

	mqttCtx, cancel := context.WithTimeout(ctx, mqttTimeout)
	ok = record(runNetworkTest(mqttCtx, MQTTConnection, c.Connect))
	cancel()
	if !ok {
		return results
	}
	defer c.Disconnect()

	pubCtx, cancel := context.WithTimeout(ctx, pubTimeout)
	defer cancel()
	record(runNetworkTest(pubCtx, MessagePublish, func(ctx context.Context) error {
		payload := fmt.Sprintf(`{"test":true,"time":%q}`, time.Now().UTC().Format(time.RFC3339))
		return c.Publish(ctx, constructTestTopic(config.Topic), payload)
	}))
	return results
}

// constructTestTopic returns the topic test messages go to.
func constructTestTopic(baseTopic string) string {
	baseTopic = strings.TrimRight(baseTopic, "/")
	if baseTopic == "" {
		return "radiords/test"
	}
	return baseTopic + "/test"
}

// extractHost returns the host part of a broker URL.
func extractHost(broker string) string {
	u, err := url.Parse(broker)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// extractHostPort returns host:port, defaulting the port to 1883.
func extractHostPort(broker string) string {
	u, err := url.Parse(broker)
	if err != nil || u.Hostname() == "" {
		return broker
	}
	port := u.Port()
	if port == "" {
		port = "1883"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// isIPAddress reports whether host is a literal address.
func isIPAddress(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}
