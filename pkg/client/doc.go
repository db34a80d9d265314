// Package client is the Go SDK for the health incentive daemon.
//
// A client holds one operator session. CreateSession loads the ledger node's
// accounts on the server and keeps the returned token for later calls:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sess, err := c.CreateSession(ctx)
//	fmt.Println(sess.Session.ActiveAccount)
//
// # Patient lifecycle
//
// Registration returns the session to the fetch view. Fetching a patient
// selects it, and the recording calls act on the selected patient:
//
//	c.RegisterPatient(ctx, client.Registration{ID: 1, Disease: "diabetes", Gender: "F", Age: 52})
//	p, _ := c.FetchPatient(ctx, 1)
//	c.RecordFootsteps(ctx, 12000)
//	c.StorePenalty(ctx)     // paid from the patient's account
//	c.SettleIncentive(ctx)  // paid from the active operator account
//	c.ShowRegistration(ctx) // clears the selection
//
// Failed calls return *APIError carrying the HTTP status and the
// user-facing message.
//
// # Events
//
// StreamEvents blocks and invokes fn for every contract event the daemon
// observes until ctx is done or fn returns false:
//
//	err := c.StreamEvents(ctx, func(e client.Event) bool {
//	    fmt.Println(e.Message)
//	    return true
//	})
//
// # Reusing a session
//
// The token can be persisted and restored in another process:
//
//	c, _ := client.New(server, client.WithBearerToken(os.Getenv("HIC_TOKEN")))
package client
