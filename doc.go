// Package occamy is a client for the Phoenix Channels protocol. A Socket
// opens one WebSocket connection to a server endpoint; Channels multiplex
// named topic subscriptions over it; Pushes correlate outbound requests
// with their replies. The socket reconnects with backoff and channels
// rejoin automatically after a transport failure, without application
// involvement.
//
// A minimal client:
//
//	sock := occamy.NewSocket("ws://localhost:4000/socket")
//	if err := sock.Connect(); err != nil {
//		log.Fatal(err)
//	}
//	ch := sock.Channel("rooms:lobby", nil)
//	join, err := ch.Join(0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	join.Receive(occamy.StatusOK, func(json.RawMessage) {
//		log.Println("joined")
//	})
//	ch.On("new_msg", func(payload json.RawMessage, ref *string) {
//		log.Println("new_msg", string(payload))
//	})
package occamy
