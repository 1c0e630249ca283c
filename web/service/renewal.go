package service

// RenewalMethod selects how a renewal combines the new package with what the
// subscriber has left. Values are stable operator-facing identifiers.
type RenewalMethod int

const (
	RenewFullReset RenewalMethod = iota + 1
	RenewAddToRemaining
	RenewResetTimeKeepData
	RenewResetDataAddTime
	RenewNewPlusRemaining
)

var renewalMethodNames = map[RenewalMethod]string{
	RenewFullReset:         "full_reset",
	RenewAddToRemaining:    "add_to_remaining",
	RenewResetTimeKeepData: "reset_time_keep_data",
	RenewResetDataAddTime:  "reset_data_add_time",
	RenewNewPlusRemaining:  "new_plus_remaining",
}

func (m RenewalMethod) String() string {
	if name, ok := renewalMethodNames[m]; ok {
		return name
	}
	return "unknown"
}

// RenewalMethodFromValue maps a stored integer to a method, falling back to
// full reset for unknown values.
func RenewalMethodFromValue(v int) RenewalMethod {
	m := RenewalMethod(v)
	if _, ok := renewalMethodNames[m]; ok {
		return m
	}
	return RenewFullReset
}

// RenewalPlan is the outcome of the pure calculation. FinalGB is the volume
// the subscriber must have available after the renewal is applied; FinalDays
// counts from now. When ResetUsage is false the remote ceiling must be set to
// used+FinalGB, otherwise the live counter would be charged twice.
type RenewalPlan struct {
	FinalGB    float64
	FinalDays  int
	ResetUsage bool
}

// CalculateRenewal combines the current remaining volume/time with a new
// package according to the method. Negative remaining (already exhausted or
// expired) counts as zero.
func CalculateRenewal(method RenewalMethod, remainingGB float64, remainingDays int, addGB float64, addDays int) RenewalPlan {
	if remainingGB < 0 {
		remainingGB = 0
	}
	if remainingDays < 0 {
		remainingDays = 0
	}

	switch method {
	case RenewAddToRemaining:
		return RenewalPlan{
			FinalGB:    remainingGB + addGB,
			FinalDays:  remainingDays + addDays,
			ResetUsage: false,
		}
	case RenewResetTimeKeepData:
		return RenewalPlan{
			FinalGB:    remainingGB + addGB,
			FinalDays:  addDays,
			ResetUsage: false,
		}
	case RenewResetDataAddTime:
		return RenewalPlan{
			FinalGB:    addGB,
			FinalDays:  remainingDays + addDays,
			ResetUsage: true,
		}
	case RenewNewPlusRemaining:
		return RenewalPlan{
			FinalGB:    addGB + remainingGB,
			FinalDays:  addDays,
			ResetUsage: false,
		}
	default:
		return RenewalPlan{
			FinalGB:    addGB,
			FinalDays:  addDays,
			ResetUsage: true,
		}
	}
}
