// Package client implements an HTTP/1.1 client transport engine:
// per-authority connection pools with keep-alive reuse, an explicit
// protocol state machine per connection, cookie persistence and a
// redirect-following session with middleware support.
//
// Quick start:
//
//	s, err := client.NewSession(client.SessionOptions{UseCookies: true})
//	if err != nil { log.Fatal(err) }
//	defer s.Close()
//	res, err := s.Get(ctx, "http://127.0.0.1:8080/")
//	if err != nil { log.Fatal(err) }
//	body, _ := res.ReadBody()
//	fmt.Println(res.Status, string(body))
package client
