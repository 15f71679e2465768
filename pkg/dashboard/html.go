package dashboard

import "html/template"

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "index"}}<!DOCTYPE html>
<html>
<head><title>icxfleet</title><style>{{template "style"}}</style></head>
<body>
<h1>Edge Agents</h1>
<table>
<tr><th>Agent</th><th>Hostname</th><th>Subnet</th><th>Status</th><th>ZTP</th><th>Devices</th><th>Last Seen</th></tr>
{{range .Agents}}
<tr>
<td><a href="/{{.AgentID}}">{{.AgentID}}</a></td>
<td>{{.Hostname}}</td>
<td>{{.Subnet}}</td>
<td>{{if .Online}}<span class="ok">online</span>{{else}}<span class="err">offline</span>{{end}}</td>
<td>{{if .ZTPRunning}}running (tick {{.Tick}}){{else}}stopped{{end}}</td>
<td>{{.Devices}}</td>
<td>{{.LastSeen.Format "15:04:05"}}</td>
</tr>
{{end}}
</table>
</body>
</html>{{end}}

{{define "login"}}<!DOCTYPE html>
<html>
<head><title>{{.AgentID}} - login</title><style>{{template "style"}}</style></head>
<body>
<h1>{{.AgentID}}</h1>
{{if .Failed}}<p class="err">Wrong password.</p>{{end}}
<form method="POST" action="/{{.AgentID}}/login">
<label>View password: <input type="password" name="password" autofocus></label>
<button type="submit">Unlock</button>
</form>
</body>
</html>{{end}}

{{define "agent"}}<!DOCTYPE html>
<html>
<head><title>{{.Info.AgentID}}</title><style>{{template "style"}}</style></head>
<body>
<h1>{{.Info.AgentID}}</h1>
<p>{{.Info.Hostname}} &middot; {{.Info.Subnet}} &middot;
{{if .Info.Online}}<span class="ok">online</span>{{else}}<span class="err">offline</span>{{end}} &middot;
ZTP {{if .Info.ZTPRunning}}running, tick {{.Info.Tick}}{{else}}stopped{{end}}</p>

<h2>Devices</h2>
<table>
<tr><th>IP</th><th>Type</th><th>Model</th><th>Status</th><th>Attached</th><th>Tasks</th></tr>
{{range .Devices}}
<tr>
<td>{{.IP}}</td>
<td>{{.Type}}</td>
<td>{{.Model}}</td>
<td{{if eq (printf "%s" .Status) "error"}} class="err"{{end}}>{{.Status}}{{if .SSHActive}} *{{end}}</td>
<td>{{if .ConnectedSwitch}}{{.ConnectedSwitch}} {{.ConnectedPort}}{{end}}</td>
<td>{{len .TasksCompleted}} ok / {{len .TasksFailed}} failed</td>
</tr>
{{end}}
</table>

<h2>Recent Events</h2>
<table>
<tr><th>Time</th><th>Type</th><th>Detail</th></tr>
{{range .Events}}
<tr>
<td>{{.Timestamp.Format "15:04:05"}}</td>
<td{{if eq (printf "%s" .Type) "error"}} class="err"{{end}}>{{.Type}}</td>
<td>{{range $k, $v := .Payload}}{{$k}}={{$v}} {{end}}</td>
</tr>
{{end}}
</table>
</body>
</html>{{end}}

{{define "style"}}
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: left; }
.ok { color: #2a7f2a; }
.err { color: #b00020; }
{{end}}
`))
