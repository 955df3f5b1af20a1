package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/netmonhq/netmon-go"
)

func main() {
	sg, err := netmon.New(&netmon.Options{
		UploadEndpoint:       os.Getenv("NETMON_UPLOAD_ENDPOINT"),
		SocketEndpoint:       os.Getenv("NETMON_SOCKET_ENDPOINT"),
		APIKey:               os.Getenv("NETMON_API_KEY"),
		EnableRealtimeUpload: os.Getenv("NETMON_SOCKET_ENDPOINT") != "",
	})
	if err != nil {
		panic(err)
	}
	defer sg.Close()
	http.DefaultClient = sg.DefaultClient

	resp, err := http.Get("https://httpbin.org/json")
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	fmt.Println(resp.Status)
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		panic(err)
	}

	n, err := sg.PendingCount(context.Background())
	if err != nil {
		panic(err)
	}
	fmt.Fprintf(os.Stderr, "\n%d exchange(s) pending upload\n", n)
}
