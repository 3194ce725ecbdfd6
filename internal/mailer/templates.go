package mailer

import (
	"bytes"
	"fmt"
	"html/template"
)

// InviteEmailData fills the invitation email.
type InviteEmailData struct {
	SiteName  string
	OrgName   string
	Role      string
	AcceptURL string
	ExpiresIn string
}

// BuildInviteEmail renders an invitation to join an organization.
func BuildInviteEmail(to string, data InviteEmailData) Email {
	return Email{
		To:       to,
		Subject:  fmt.Sprintf("You have been invited to %s on %s", data.OrgName, data.SiteName),
		TextBody: buildInviteText(data),
		HTMLBody: render(inviteHTML, data),
	}
}

func buildInviteText(data InviteEmailData) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "You have been invited to join %s as %s.\n\n", data.OrgName, data.Role)
	buf.WriteString("Accept the invitation here:\n")
	buf.WriteString(data.AcceptURL + "\n\n")
	fmt.Fprintf(&buf, "This invitation expires in %s.\n", data.ExpiresIn)
	return buf.String()
}

// CodeData fills a one-time code message.
type CodeData struct {
	SiteName  string
	Code      string
	ExpiresIn string
}

// BuildCodeEmail renders an email verification code.
func BuildCodeEmail(to string, data CodeData) Email {
	return Email{
		To:       to,
		Subject:  fmt.Sprintf("Your %s verification code", data.SiteName),
		TextBody: buildCodeText(data),
		HTMLBody: render(codeHTML, data),
	}
}

// BuildCodeSMS renders a mobile verification code.
func BuildCodeSMS(to string, data CodeData) SMS {
	return SMS{To: to, Body: fmt.Sprintf("%s code: %s (expires in %s)", data.SiteName, data.Code, data.ExpiresIn)}
}

func buildCodeText(data CodeData) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Your %s verification code is: %s\n\n", data.SiteName, data.Code)
	fmt.Fprintf(&buf, "This code expires in %s.\n\n", data.ExpiresIn)
	buf.WriteString("If you did not request this code, you can safely ignore this email.\n")
	return buf.String()
}

func render(tmpl *template.Template, data any) string {
	var buf bytes.Buffer
	_ = tmpl.Execute(&buf, data)
	return buf.String()
}

var inviteHTML = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Invitation</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; background-color: #f3f4f6;">
  <div style="max-width: 480px; margin: 40px auto; background: #ffffff; border-radius: 8px; padding: 32px;">
    <h1 style="font-size: 22px; color: #4f46e5;">{{.SiteName}}</h1>
    <p style="font-size: 16px; color: #374151;">You have been invited to join <strong>{{.OrgName}}</strong> as <strong>{{.Role}}</strong>.</p>
    <p style="text-align: center;">
      <a href="{{.AcceptURL}}" style="display: inline-block; padding: 12px 28px; background: #4f46e5; color: #ffffff; text-decoration: none; border-radius: 6px;">Accept invitation</a>
    </p>
    <p style="font-size: 13px; color: #9ca3af; text-align: center;">This invitation expires in {{.ExpiresIn}}.</p>
  </div>
</body>
</html>`))

var codeHTML = template.Must(template.New("code").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Verification Code</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; background-color: #f3f4f6;">
  <div style="max-width: 480px; margin: 40px auto; background: #ffffff; border-radius: 8px; padding: 32px;">
    <h1 style="font-size: 22px; color: #4f46e5;">{{.SiteName}}</h1>
    <p style="font-size: 16px; color: #374151;">Your verification code is:</p>
    <div style="background: #f3f4f6; border-radius: 8px; padding: 24px; text-align: center;">
      <span style="font-size: 32px; font-weight: 700; letter-spacing: 8px; font-family: 'Courier New', monospace;">{{.Code}}</span>
    </div>
    <p style="font-size: 13px; color: #9ca3af; text-align: center;">This code expires in {{.ExpiresIn}}.</p>
  </div>
</body>
</html>`))
