// Package client talks to the marketplace messaging server.
//
// # REST
//
//	c := client.New("https://market.example.com", client.WithToken(token))
//	threads, err := c.ListThreads(ctx)
//	detail, err := c.GetThread(ctx, threads[0].ID)
//
// Sending a voice note is an upload followed by a message carrying the
// returned attachments:
//
//	atts, err := c.UploadFiles(ctx, []client.UploadFile{f}, 4.2, nil)
//	msg, err := c.SendMessage(ctx, threadID, client.SendMessageRequest{Attachments: atts})
//
// Non-2xx answers are returned as *APIError.
//
// # Realtime
//
// ConnectRealtime opens the WebSocket used for pushed messages, thread
// updates and presence:
//
//	rt, err := c.FollowThread(ctx, threadID, client.RealtimeCallbacks{
//	    OnNewMessage: func(threadID string, m chat.Message) { ... },
//	})
//	defer rt.Close()
//	rt.SendTyping(threadID, true)
//
// Callbacks are invoked from a single goroutine (the read loop), so they
// must be safe to call concurrently with the caller's own code.
package client
