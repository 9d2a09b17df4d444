package email

import "fmt"

// RecoveryTokenHeader carries the token so automated clients can read it
// without parsing the body.
const RecoveryTokenHeader = "X-Sandcats-recoveryToken"

const recoverySubject = "Sandcats.io domain recovery token"

// RecoveryMessage builds the mail sent by sendrecoverytoken.
func RecoveryMessage(to, hostname, baseDomain, token string) Message {
	body := fmt.Sprintf(`Hi,

Someone (hopefully you) asked to recover %s.%s.

Your recovery token is:

    %s

Paste it into the sandcats installer to move the domain to a new key.
If you did not ask for this, you can ignore this message.
`, hostname, baseDomain, token)

	return Message{
		To:      to,
		Subject: recoverySubject,
		Body:    body,
		Headers: map[string]string{RecoveryTokenHeader: token},
	}
}
