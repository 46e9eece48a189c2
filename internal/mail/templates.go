package mail

import "html/template"

const layout = `{{define "layout"}}<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>NeViS</title></head>
<body style="margin:0;padding:0;background:#06030a;font-family:'Segoe UI',Arial,sans-serif;">
<table width="100%" cellpadding="0" cellspacing="0" style="background:#06030a;">
<tr><td align="center" style="padding:48px 16px;">
<table width="520" cellpadding="0" cellspacing="0" style="background:#0e060e;border-radius:18px;max-width:100%;">
<tr><td style="background:#d1001e;padding:28px 36px;">
<p style="margin:0;font-size:28px;font-weight:800;letter-spacing:12px;color:#fff;">NEVIS</p>
</td></tr>
<tr><td style="padding:36px 36px 28px;color:#a496b2;font-size:15px;line-height:1.75;">{{template "content" .}}</td></tr>
<tr><td style="padding:20px 36px;font-size:11px;color:#5a4a68;">
This email was sent automatically. If you didn't request it, you can ignore it safely.
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>{{end}}`

var welcomeTemplate = template.Must(template.Must(template.New("welcome").Parse(layout)).Parse(`{{define "content"}}
<h2 style="color:#ece5f4;">Welcome to NeViS!</h2>
<p>Hey <strong>{{.Username}}</strong>, your account has been created successfully.</p>
<p><a href="{{.SiteURL}}" style="color:#d1001e;">Visit the site</a></p>
{{end}}`))

var resetTemplate = template.Must(template.Must(template.New("password_reset").Parse(layout)).Parse(`{{define "content"}}
<h2 style="color:#ece5f4;">Password Reset</h2>
<p>Hey <strong>{{.Username}}</strong>, we received a request to reset your password.
This link expires in <strong>{{.Minutes}} minutes</strong>.</p>
<p><a href="{{.Link}}" style="color:#d1001e;">Reset my password</a></p>
<p style="font-family:monospace;font-size:12px;word-break:break-all;">{{.Link}}</p>
{{end}}`))
