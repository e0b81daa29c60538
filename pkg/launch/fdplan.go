package launch

// fdOp duplicates Src onto Dst (replacing whatever Dst held) and then
// closes Src. The child replays ops in order with dup3/close.
type fdOp struct {
	Src, Dst int
	// CloExec keeps the duplicate close-on-exec (used for the report pipe,
	// which must vanish when the image is replaced).
	CloExec bool
}

// fdPlan is the descriptor arrangement computed for one launch before the
// fork. Descriptors 0-2 are reserved stdio slots, and slot 3 is reserved
// for the activation socket when one is requested; every caller-supplied
// descriptor below the threshold is relocated upward so none collide.
//
// Relocation targets are picked above every descriptor the launch knows
// about. An unrelated inherited descriptor at a chosen slot is simply
// replaced by the dup, which is harmless ahead of exec.
type fdPlan struct {
	Ops []fdOp

	// Final positions once Ops have been applied. -1 where absent.
	WPipe  int
	CS     int
	Notify int
	Socket int

	// MinFD is the lowest slot usable for relocations: 3, or 4 when slot 3
	// is reserved for the activation socket.
	MinFD int

	force int
	next  int
}

// planFDs computes the relocation plan for p. See the arrangement steps:
// first the forced notification slot is vacated and claimed, then anything
// still below the threshold moves clear of the reserved slots.
func planFDs(p *Params) *fdPlan {
	pl := &fdPlan{
		WPipe:  p.WPipeFD,
		CS:     p.CtrlSockFD,
		Notify: p.NotifyFD,
		Socket: p.ActivationSocketFD,
		MinFD:  3,
		force:  p.ForceNotifyFD,
	}
	if pl.Socket != -1 {
		pl.MinFD = 4
	}
	pl.next = pl.MinFD

	if pl.force != -1 {
		// Vacate the forced slot before claiming it for the notification
		// descriptor. The socket's new home is temporary: it moves again to
		// its fixed slot during activation setup.
		if pl.WPipe == pl.force {
			pl.WPipe = pl.reserve(pl.WPipe, true)
		}
		if pl.CS == pl.force {
			pl.CS = pl.reserve(pl.CS, false)
		}
		if pl.Socket == pl.force {
			pl.Socket = pl.reserve(pl.Socket, false)
		}
		if pl.Notify != pl.force {
			pl.move(&pl.Notify, pl.force)
		}
	}

	if pl.WPipe < pl.MinFD {
		pl.WPipe = pl.reserve(pl.WPipe, true)
	}
	if pl.CS != -1 && pl.CS < pl.MinFD {
		pl.CS = pl.reserve(pl.CS, false)
	}
	if pl.Notify != -1 && pl.Notify < pl.MinFD && pl.Notify != pl.force {
		pl.Notify = pl.reserve(pl.Notify, false)
	}
	return pl
}

// reserve relocates src to a free slot at or above the threshold.
func (pl *fdPlan) reserve(src int, cloexec bool) int {
	dst := pl.alloc()
	pl.Ops = append(pl.Ops, fdOp{Src: src, Dst: dst, CloExec: cloexec})
	return dst
}

// move relocates *fd to the specific slot dst; a no-op if already there.
func (pl *fdPlan) move(fd *int, dst int) {
	if *fd == dst {
		return
	}
	pl.Ops = append(pl.Ops, fdOp{Src: *fd, Dst: dst})
	*fd = dst
}

// alloc picks the lowest slot at or above the threshold not occupied by a
// descriptor this launch knows about and not claimed for the notification
// descriptor.
func (pl *fdPlan) alloc() int {
	for n := pl.next; ; n++ {
		if n == pl.WPipe || n == pl.CS || n == pl.Notify || n == pl.Socket || n == pl.force {
			continue
		}
		pl.next = n + 1
		return n
	}
}
