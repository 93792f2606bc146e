package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"codecollab.io/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

var debugLog = collab.LogFn(collab.LogLevelDebug, "collabctl")

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type Config struct {
	ApiUrl       string `env:"COLLAB_API_URL" envDefault:"http://localhost:8080/session-service/api"`
	ExecutionUrl string `env:"COLLAB_EXECUTION_URL" envDefault:"http://localhost:8080/execution-service/api"`
	AiUrl        string `env:"COLLAB_AI_URL" envDefault:"http://localhost:8080/ai-service/api"`
	WsUrl        string `env:"COLLAB_WS_URL" envDefault:"ws://localhost:8084/ws"`
	Jwt          string `env:"COLLAB_JWT"`
}

func main() {
	usage := `Collab session control.

Configuration is read from the environment (and a .env file if present):
    COLLAB_API_URL, COLLAB_EXECUTION_URL, COLLAB_AI_URL, COLLAB_WS_URL, COLLAB_JWT

Usage:
    collabctl create-session [--private] [--language=<language>] [--verbose]
    collabctl join <session_id> [--verbose]
    collabctl run <session_id> <file> [--stdin=<stdin_file>] [--verbose]
    collabctl chat <session_id> [--verbose]
    collabctl explain <file> [--verbose]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --verbose                Debug output.
    --private                Create the session as private (join by approval).
    --language=<language>    Session language [default: java].
    --stdin=<stdin_file>     File with standard input for the program.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	godotenv.Load()
	config := &Config{}
	if err := env.Parse(config); err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		collab.GlobalLogLevel = collab.LogLevelDebug
	}
	debugLog("api=%s ws=%s", config.ApiUrl, config.WsUrl)

	if createSession, _ := opts.Bool("create-session"); createSession {
		createSessionCmd(opts, config)
	} else if join, _ := opts.Bool("join"); join {
		joinCmd(opts, config)
	} else if run, _ := opts.Bool("run"); run {
		runCmd(opts, config)
	} else if chat, _ := opts.Bool("chat"); chat {
		chatCmd(opts, config)
	} else if explain, _ := opts.Bool("explain"); explain {
		explainCmd(opts, config)
	}
}

func requireJwt(config *Config) string {
	if config.Jwt != "" {
		return config.Jwt
	}
	fmt.Fprint(os.Stderr, "Bearer credential: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		panic(err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		Err.Fatal("A bearer credential is required.")
	}
	return token
}

func newApi(config *Config, jwt string) *collab.CollabApi {
	api := collab.NewCollabApi(config.ApiUrl, config.ExecutionUrl, config.AiUrl)
	api.SetJwt(jwt)
	if identity, err := collab.ParseIdentityUnverified(jwt); err == nil {
		api.SetIdentity(identity)
	}
	return api
}

func createSessionCmd(opts docopt.Opts, config *Config) {
	jwt := requireJwt(config)
	api := newApi(config, jwt)
	defer api.Close()

	isPrivate, _ := opts.Bool("--private")
	language, _ := opts.String("--language")

	result, err := api.CreateSessionSync(&collab.CreateSessionArgs{
		IsPrivate: isPrivate,
		Language:  language,
	})
	if err != nil {
		Err.Fatalf("Could not create session: %s", err)
	}
	Out.Printf("%s", result.UniqueId)
}

func newController(config *Config, sessionId string, jwt string) (*collab.SessionController, *collab.RealtimeTransport) {
	api := newApi(config, jwt)

	identity, err := collab.ParseIdentityUnverified(jwt)
	if err != nil {
		Err.Fatalf("Bad credential: %s", err)
	}

	transport := collab.NewRealtimeTransportWithDefaults(
		context.Background(),
		config.WsUrl,
		&collab.ClientAuth{
			ByJwt:      jwt,
			InstanceId: collab.NewId(),
		},
	)

	controller, err := collab.NewSessionControllerWithDefaults(
		context.Background(),
		sessionId,
		jwt,
		api,
		transport,
	)
	if err != nil {
		Err.Fatalf("Could not set up session %s for %s: %s", sessionId, identity.UserId, err)
	}
	debugLog("session=%s user=%s", sessionId, identity.UserId)
	transport.AddConnectionStateCallback(func(state collab.ConnectionState) {
		debugLog("connection=%s", state)
	})
	return controller, transport
}

func joinCmd(opts docopt.Opts, config *Config) {
	sessionId, _ := opts.String("<session_id>")
	jwt := requireJwt(config)

	controller, _ := newController(config, sessionId, jwt)
	defer controller.Close()

	done := make(chan string, 1)

	controller.AddStatusCallback(func(status collab.MembershipStatus) {
		Out.Printf("[status] %s", status)
	})
	controller.AddNoticeCallback(func(notice string) {
		Out.Printf("[notice] %s", notice)
	})
	controller.AddChatCallback(func(message *collab.ChatMessage) {
		Out.Printf("[chat] %s: %s", message.Sender, message.Content)
	})
	controller.AddCodeCallback(func(content string) {
		Out.Printf("[code] %d bytes", len(content))
	})
	controller.AddExitCallback(func(reason string) {
		select {
		case done <- reason:
		default:
		}
	})

	if err := controller.Start(); err != nil {
		Err.Fatalf("Could not join session: %s", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case reason := <-done:
		Out.Printf("Session ended: %s", reason)
	case <-sigs:
	}
}

func runCmd(opts docopt.Opts, config *Config) {
	sessionId, _ := opts.String("<session_id>")
	file, _ := opts.String("<file>")
	jwt := requireJwt(config)

	code, err := os.ReadFile(file)
	if err != nil {
		Err.Fatalf("Could not read %s: %s", file, err)
	}

	stdin := ""
	if stdinFile, err := opts.String("--stdin"); err == nil && stdinFile != "" {
		stdinBytes, err := os.ReadFile(stdinFile)
		if err != nil {
			Err.Fatalf("Could not read %s: %s", stdinFile, err)
		}
		stdin = string(stdinBytes)
	}

	runLog := collab.SubLogFn(collab.LogLevelDebug, debugLog, "run")

	controller, _ := newController(config, sessionId, jwt)
	defer controller.Close()

	output := make(chan string, 1)
	ran := false

	controller.AddStatusCallback(func(status collab.MembershipStatus) {
		if status == collab.MembershipApproved && !ran {
			ran = true
			runLog("submit %d bytes", len(code))
			controller.SetCode(string(code))
			controller.RunCode(stdin)
		}
	})
	controller.AddOutputCallback(func(result string) {
		if result != "Executing..." {
			select {
			case output <- result:
			default:
			}
		}
	})

	if err := controller.Start(); err != nil {
		Err.Fatalf("Could not join session: %s", err)
	}
	if controller.Status() == collab.MembershipApproved && !ran {
		ran = true
		runLog("submit %d bytes", len(code))
		controller.SetCode(string(code))
		controller.RunCode(stdin)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case result := <-output:
		Out.Printf("%s", result)
	case <-sigs:
	}
}

// joins the session and bridges stdin lines to the chat channel
func chatCmd(opts docopt.Opts, config *Config) {
	sessionId, _ := opts.String("<session_id>")
	jwt := requireJwt(config)

	chatLog := collab.SubLogFn(collab.LogLevelDebug, debugLog, "chat")

	controller, _ := newController(config, sessionId, jwt)
	defer controller.Close()

	done := make(chan string, 1)

	controller.AddChatCallback(func(message *collab.ChatMessage) {
		Out.Printf("%s: %s", message.Sender, message.Content)
	})
	controller.AddNoticeCallback(func(notice string) {
		Out.Printf("[notice] %s", notice)
	})
	controller.AddExitCallback(func(reason string) {
		select {
		case done <- reason:
		default:
		}
	})

	if err := controller.Start(); err != nil {
		Err.Fatalf("Could not join session: %s", err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			chatLog("-> %d bytes", len(line))
			controller.SendChat(line)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case reason := <-done:
		Out.Printf("Session ended: %s", reason)
	case <-sigs:
	}
}

func explainCmd(opts docopt.Opts, config *Config) {
	file, _ := opts.String("<file>")
	jwt := requireJwt(config)
	api := newApi(config, jwt)
	defer api.Close()

	text, err := os.ReadFile(file)
	if err != nil {
		Err.Fatalf("Could not read %s: %s", file, err)
	}

	explanation, err := api.ExplainSync(&collab.ExplainArgs{Text: string(text)})
	if err != nil {
		Err.Fatalf("Could not explain: %s", err)
	}
	Out.Printf("%s", explanation)
}
