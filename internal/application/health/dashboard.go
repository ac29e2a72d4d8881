package health

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// RenderDashboardHTML returns the HTML for GET /: a status page seeded with
// the current health payload that refreshes itself from /health/json.
func RenderDashboardHTML(health CollectResult) string {
	b, _ := json.Marshal(health)
	jsonStr := string(b)
	// Escape for embedding in a JS template literal: \ ` $
	jsonStr = strings.ReplaceAll(jsonStr, "\\", "\\\\")
	jsonStr = strings.ReplaceAll(jsonStr, "`", "\\`")
	jsonStr = strings.ReplaceAll(jsonStr, "$", "\\$")

	headline := "All Systems Operational"
	if health.Status != "ok" {
		headline = "System Issues Detected"
	}
	lastReq := "-"
	if m, ok := health.Traffic.LastRequest.(map[string]interface{}); ok {
		lastReq = fmt.Sprintf("%v %v", m["method"], m["path"])
	}

	var deps strings.Builder
	for _, name := range []string{"database", "redis", "ledger"} {
		d := health.Dependencies[name]
		fmt.Fprintf(&deps, `<div class="row"><span>%s</span><span id="dep-%s" class="pill">%s</span></div>`,
			strings.ToUpper(name[:1])+name[1:], name, html.EscapeString(d.Status))
	}

	return `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>` + ServiceName + ` · API Status</title>
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <style>
    :root { --ok: #0f766e; --err: #dc2626; --muted: #64748b; --bg: #f8fafc; }
    body { background: var(--bg); color: #0f172a; font-family: system-ui, sans-serif; margin: 0; display: flex; justify-content: center; }
    .container { width: 100%; max-width: 900px; padding: 40px 20px; }
    h1 { font-size: 40px; margin: 0 0 8px; letter-spacing: -1px; }
    .subtext { color: var(--muted); font-weight: 600; margin-bottom: 30px; }
    .grid { display: grid; grid-template-columns: repeat(3, 1fr); gap: 16px; }
    .card { background: white; border-radius: 16px; padding: 24px; box-shadow: 0 10px 40px -20px rgba(15, 23, 42, 0.3); }
    .label { text-transform: uppercase; font-size: 11px; font-weight: 800; letter-spacing: 2px; color: #94a3b8; margin-bottom: 16px; }
    .big { font-size: 32px; font-weight: 900; margin-bottom: 8px; }
    .row { display: flex; justify-content: space-between; padding: 6px 0; font-size: 14px; font-weight: 600; }
    .pill { padding: 2px 10px; border-radius: 8px; font-size: 12px; background: rgba(15, 118, 110, 0.1); color: var(--ok); }
    .pill.err { background: rgba(220, 38, 38, 0.1); color: var(--err); }
    .footer { margin-top: 20px; font-family: monospace; color: var(--muted); display: flex; justify-content: space-between; }
    button { border: 1px solid #cbd5e1; background: white; border-radius: 8px; padding: 6px 14px; cursor: pointer; font-weight: 700; }
    #error-list { margin-top: 20px; font-size: 13px; }
    @media (max-width: 800px) { .grid { grid-template-columns: 1fr; } }
  </style>
</head>
<body>
  <div class="container">
    <h1 id="headline">` + headline + `</h1>
    <div class="subtext">Escrow API traffic, resources and dependencies.</div>
    <div class="grid">
      <div class="card">
        <div class="label">Traffic</div>
        <div class="big" id="total-req">` + fmt.Sprint(health.Traffic.TotalRequests) + `</div>
        <div class="row"><span>Failed</span><span id="failed-count">` + fmt.Sprint(health.Traffic.FailedCount) + `</span></div>
        <div class="row"><span>Success Rate</span><span id="success-rate">` + health.Traffic.SuccessRate + `%</span></div>
        <div class="row"><span>Avg Latency</span><span id="avg-time">` + fmt.Sprint(health.Traffic.AvgResponseTime) + `ms</span></div>
      </div>
      <div class="card">
        <div class="label">Runtime</div>
        <div class="big" id="uptime">` + fmt.Sprint(health.Runtime.UptimeSeconds) + `s</div>
        <div class="row"><span>Heap Used</span><span id="mem-heap">` + fmt.Sprint(health.Runtime.Memory.HeapUsed) + ` MB</span></div>
        <div class="row"><span>Goroutines</span><span id="goroutines">` + fmt.Sprint(health.Runtime.Goroutines) + `</span></div>
        <div class="row"><span>Platform</span><span>` + health.Runtime.Platform + `</span></div>
      </div>
      <div class="card">
        <div class="label">Dependencies</div>
        ` + deps.String() + `
      </div>
    </div>
    <div class="footer">
      <span id="last-req">` + html.EscapeString(lastReq) + `</span>
      <button onclick="showErrors()">View Error Log</button>
    </div>
    <div id="error-list"></div>
  </div>
  <script>
    const okStates = ['connected', 'reachable', 'embedded'];
    const updateUI = (d) => {
      document.getElementById('headline').innerText = d.status === 'ok' ? 'All Systems Operational' : 'System Issues Detected';
      document.getElementById('total-req').innerText = d.traffic.totalRequests;
      document.getElementById('failed-count').innerText = d.traffic.failedCount;
      document.getElementById('success-rate').innerText = d.traffic.successRate + '%';
      document.getElementById('avg-time').innerText = d.traffic.avgResponseTime + 'ms';
      document.getElementById('uptime').innerText = d.runtime.uptimeSeconds + 's';
      document.getElementById('mem-heap').innerText = d.runtime.memory.heapUsed + ' MB';
      document.getElementById('goroutines').innerText = d.runtime.goroutines;
      for (const [name, dep] of Object.entries(d.dependencies)) {
        const el = document.getElementById('dep-' + name);
        if (!el) continue;
        el.innerText = dep.status + (dep.pingMs != null ? ' · ' + dep.pingMs + ' ms' : '');
        el.className = 'pill' + (okStates.includes(dep.status) ? '' : ' err');
      }
      if (d.traffic.lastRequest) document.getElementById('last-req').innerText = d.traffic.lastRequest.method + ' ' + d.traffic.lastRequest.path;
    };
    async function tick() { try { const r = await fetch('/health/json'); updateUI(await r.json()); } catch (e) {} }
    async function showErrors() {
      const list = document.getElementById('error-list');
      list.innerText = 'Fetching logs...';
      try {
        const errors = await (await fetch('/health/errors')).json();
        list.innerText = errors.length === 0 ? 'No internal errors recorded.' : errors.map(e => new Date(e.time).toLocaleString() + '  ' + (e.method || '') + ' ' + (e.path || '') + '  ' + (e.message || '')).join('\n');
        list.style.whiteSpace = 'pre-wrap';
      } catch (e) { list.innerText = 'Error loading logs.'; }
    }
    updateUI(JSON.parse(` + "`" + jsonStr + "`" + `));
    setInterval(tick, 15000);
  </script>
</body>
</html>`
}
