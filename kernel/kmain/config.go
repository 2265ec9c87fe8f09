package kmain

import "strconv"

// bootConfig holds the bring-up options read from the kernel command line.
type bootConfig struct {
	// smp is cleared by smp=off.
	smp bool

	// maxSecondaries caps the number of started secondary processors
	// (maxcpus=N). Zero means no limit.
	maxSecondaries int

	// syncMTRR is cleared by mtrrsync=off.
	syncMTRR bool
}

func parseBootConfig(cmdLine map[string]string) bootConfig {
	cfg := bootConfig{smp: true, syncMTRR: true}

	for k, v := range cmdLine {
		switch k {
		case "smp":
			cfg.smp = v != "off"
		case "mtrrsync":
			cfg.syncMTRR = v != "off"
		case "maxcpus":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				continue
			}

			// maxcpus=0 leaves only the boot processor.
			if n == 0 {
				cfg.smp = false
			}
			cfg.maxSecondaries = n
		}
	}

	return cfg
}
