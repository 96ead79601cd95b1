package deps

// condFrame tracks one #if ... #endif group. A branch is live unless its
// condition is known false; unknown conditions keep the branch live so that
// headers under them are not missed.
type condFrame struct {
	parentLive bool
	live       bool

	// taken is set once an earlier branch was known true
	taken bool
}

type condStack struct {
	frames []condFrame
}

func (s *condStack) live() bool {
	if len(s.frames) == 0 {
		return true
	}
	return s.frames[len(s.frames)-1].live
}

func (s *condStack) push(t tristate) {
	parent := s.live()
	s.frames = append(s.frames, condFrame{
		parentLive: parent,
		live:       parent && t != isFalse,
		taken:      t == isTrue,
	})
}

func (s *condStack) elif(t tristate) {
	if len(s.frames) == 0 {
		return
	}

	f := &s.frames[len(s.frames)-1]
	if f.taken {
		f.live = false
		return
	}

	f.live = f.parentLive && t != isFalse
	if t == isTrue {
		f.taken = true
	}
}

func (s *condStack) els() {
	if len(s.frames) == 0 {
		return
	}

	f := &s.frames[len(s.frames)-1]
	f.live = f.parentLive && !f.taken
	f.taken = true
}

// pop tolerates unbalanced #endif lines
func (s *condStack) pop() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}
