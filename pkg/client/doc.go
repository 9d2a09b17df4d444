// Package client is the Go SDK for the sandcats dynamic DNS service.
//
// # Keys
//
// A hostname belongs to a client certificate. Generate one once and keep it:
//
//	kp, err := client.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = client.SaveKeyPair(os.ExpandEnv("$HOME/.sandcats"), kp)
//
// # Registering and updating
//
//	c, err := client.New("https://sandcats-dev.sandstorm.io",
//	    client.WithCertFiles(certPath, keyPath),
//	)
//	res, err := c.Register(ctx, "myhost", "me@example.com")
//	fmt.Println(res.Text)
//
// The address the server records is the one the request comes from. Call
// Update whenever the machine's public address changes.
//
// Errors the user should see come back as *APIError with the server's
// message in Text:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) {
//	    fmt.Println(apiErr.Text)
//	}
//
// # Recovery
//
// A lost key is replaced by mailing a token to the address on file:
//
//	_, err = c.SendRecoveryToken(ctx, "myhost")
//	// ... read the token from the mail ...
//	_, err = c.Recover(ctx, "myhost", token)
//	_, err = c.Update(ctx, "myhost")
//
// # Liveness
//
// Ping asks the server's UDP responder whether this machine is the address
// on record:
//
//	ok, err := client.Ping(ctx, "sandcats-dev.sandstorm.io:8080", "myhost", 2*time.Second)
package client
