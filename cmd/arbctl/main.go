package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"arbcore/internal/control"
	"arbcore/internal/shm"
)

// arbctl - супервизорный инструмент движка
//
// Читает shared memory регион (статистика, операции, health) и шлёт
// команды на контрольный сокет. Регион мапится read-only по смыслу:
// единственная запись - подтверждение прочитанных операций (advance
// tail), предусмотренное контрактом.
//
// Команды:
//
//	arbctl stats                       снимок статистики (JSON)
//	arbctl [-limit N] ops              выгрузка операций из кольца
//	arbctl health                      health check движка
//	arbctl start-strategy <name>       включить стратегию
//	arbctl stop-strategy <name>        выключить стратегию
//	arbctl update-config '<json>'      горячее обновление параметров
//	arbctl shutdown                    кооперативный останов движка
func main() {
	var (
		shmName  = flag.String("shm", shm.DefaultRegionName, "shared memory region name")
		socket   = flag.String("socket", control.DefaultSocketPath, "control socket path")
		capacity = flag.Int("ring", shm.DefaultRingCapacity, "operations ring capacity")
		limit    = flag.Int("limit", 0, "max operations to read (0 = all)")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "stats":
		withReader(*shmName, *capacity, func(r *shm.Reader) {
			printJSON(r.Stats())
		})

	case "ops":
		withReader(*shmName, *capacity, func(r *shm.Reader) {
			printJSON(r.Operations(*limit))
		})

	case "health":
		withReader(*shmName, *capacity, func(r *shm.Reader) {
			health := r.HealthCheck()
			printJSON(health)
			if !health.Healthy {
				os.Exit(1)
			}
		})

	case "start-strategy":
		requireArg(args, "strategy name")
		fatalIf(control.StartStrategy(*socket, args[1]))

	case "stop-strategy":
		requireArg(args, "strategy name")
		fatalIf(control.StopStrategy(*socket, args[1]))

	case "update-config":
		requireArg(args, "config JSON")
		fatalIf(control.UpdateConfig(*socket, []byte(args[1])))

	case "shutdown":
		fatalIf(control.Shutdown(*socket))

	default:
		usage()
		os.Exit(2)
	}
}

func withReader(name string, capacity int, fn func(*shm.Reader)) {
	r, err := shm.OpenReader(name, capacity)
	if err != nil {
		// Отсутствующий регион = движок не запущен
		fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()
	fn(r)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func requireArg(args []string, what string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "missing %s\n", what)
		os.Exit(2)
	}
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: arbctl [flags] <command>

commands:
  stats                  print engine statistics
  [-limit N] ops         drain operations from the ring
  health                 engine health check
  start-strategy <name>  enable a strategy
  stop-strategy <name>   disable a strategy
  update-config <json>   hot-reload detector parameters
  shutdown               stop the engine cooperatively`)
}
