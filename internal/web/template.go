package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/pulse-meter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orDash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Pulse Meter</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.active { color: green; font-weight: bold; }
.inactive { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.error { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>{{.Config.Device}}<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Meters</h2>
<table id="meters">
<tr><th>Meter</th><th>Pin</th><th>State</th><th>Pulses</th><th>Energy</th><th>Power</th><th>Rejected</th></tr>
{{range .Meters}}<tr data-meter="{{.Index}}">
<td>{{.Name}}</td>
<td>{{.Pin}}</td>
<td class="state {{if eq .State.String "ACTIVE"}}active{{else}}inactive{{end}}">{{.State}}</td>
<td class="total">{{.Total}}</td>
<td class="energy">{{.Energy}}</td>
<td class="power">{{orDash .Power}}</td>
<td class="rejected">{{.Rejected}}</td>
</tr>{{if .StoreError}}
<tr><td colspan="7" class="error">store: {{.StoreError}}</td></tr>{{end}}
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td id="mqtt" class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Buffered</th><td id="buffered">{{.MQTTBuffered}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td id="uptime">{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Temperature</th><td id="temperature">{{orDash .TemperatureC}}</td></tr>
<tr><th>Cycles</th><td id="cycles">{{.Cycles}}</td></tr>
<tr><th>Cycle</th><td>{{.Config.CycleMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Store</th><td>{{.Config.StoreDriver}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var retry = 1000;

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function setText(el, v) {
    if (el) { el.textContent = (v === undefined || v === "") ? "-" : v; }
  }

  function render(s) {
    (s.meters || []).forEach(function(m) {
      var row = document.querySelector('tr[data-meter="' + m.index + '"]');
      if (!row) { return; }
      var st = row.querySelector(".state");
      st.textContent = m.state;
      st.className = "state " + (m.state === "ACTIVE" ? "active" : "inactive");
      setText(row.querySelector(".total"), m.pulses_total);
      setText(row.querySelector(".energy"), m.energy_total);
      setText(row.querySelector(".power"), m.power);
      setText(row.querySelector(".rejected"), m.rejected);
    });
    var mq = document.getElementById("mqtt");
    mq.textContent = s.mqtt.connected ? "connected" : "disconnected";
    mq.className = s.mqtt.connected ? "connected" : "disconnected";
    setText(document.getElementById("buffered"), s.mqtt.buffered);
    setText(document.getElementById("temperature"), s.temperature_c);
    setText(document.getElementById("cycles"), s.cycles);
    setText(document.getElementById("uptime"), s.uptime_seconds + "s");
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { retry = 1000; setDot("ok", "live"); };
    ws.onmessage = function(e) {
      try { render(JSON.parse(e.data).status); } catch (err) {}
    };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, retry);
      retry = Math.min(retry * 2, 30000);
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
