// Package mqtt is a thin wrapper over paho plus the topic layout for
// edgeplane's outbound events. State and command-result fan-out is
// best-effort: downstream dashboards and automation consume it, the
// control plane itself never depends on it.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	cli mqtt.Client
}

func New(brokerURL string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID("edgeplane-" + time.Now().Format("150405.000"))
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, t.Error()
	}
	return &Client{cli: cli}, nil
}

func (c *Client) publish(topic string, payload []byte) {
	t := c.cli.Publish(topic, 0, false, payload)
	if t.Wait() && t.Error() != nil {
		slog.Warn("mqtt publish failed", "topic", topic, "error", t.Error())
	}
}

// PublishState emits a device's committed live snapshot.
func (c *Client) PublishState(siteID int64, deviceID string, payload []byte) {
	if c == nil {
		return
	}
	c.publish(fmt.Sprintf("edgeplane/site/%d/device/state/%s", siteID, deviceID), payload)
}

// PublishCommandResult emits a terminal command outcome.
func (c *Client) PublishCommandResult(siteID int64, deviceID string, payload []byte) {
	if c == nil {
		return
	}
	c.publish(fmt.Sprintf("edgeplane/site/%d/device/command_result/%s", siteID, deviceID), payload)
}

func (c *Client) Disconnect() {
	if c == nil {
		return
	}
	c.cli.Disconnect(250)
}
