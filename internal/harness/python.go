package harness

const pythonPreamble = `import json as __automn_json_mod
import sys as __automn_sys

AUTOMN_RUN_ID = {{RUN_ID_JSON}}
__AUTOMN_MARKER_RETURN = "__SCRIPTRETURN__"
__AUTOMN_MARKER_LOG = "__SCRIPTLOG__"
__AUTOMN_MARKER_NOTIFY = "__SCRIPTNOTIFY__"
__AUTOMN_JSON_DEPTH = 32


def __automn_prune(value, depth=0):
    if depth >= __AUTOMN_JSON_DEPTH:
        return None
    if isinstance(value, dict):
        return {str(k): __automn_prune(v, depth + 1) for k, v in value.items()}
    if isinstance(value, (list, tuple, set)):
        return [__automn_prune(v, depth + 1) for v in value]
    if value is None or isinstance(value, (str, int, float, bool)):
        return value
    return str(value)


def __automn_dumps(value):
    try:
        return __automn_json_mod.dumps(__automn_prune(value))
    except Exception:
        return __automn_json_mod.dumps(str(value))


def __automn_notify_level(level):
    lvl = str(level or "info").lower()
    if lvl in ("warn", "warning"):
        return "warn"
    if lvl == "error":
        return "error"
    return "info"


def __automn_emit(line):
    __automn_sys.stdout.write(line + "\n")
    __automn_sys.stdout.flush()


def AutomnReturn(data):
    __automn_emit(__AUTOMN_MARKER_RETURN + __automn_dumps(data))


def AutomnLog(message, level="info", context=None, type="general"):
    __automn_emit(__AUTOMN_MARKER_LOG + __automn_dumps({
        "message": str(message),
        "level": level or "info",
        "context": context,
        "type": type or "general",
    }))


def AutomnNotify(audience, message, level="info"):
    __automn_emit(__AUTOMN_MARKER_NOTIFY + __automn_dumps({
        "audience": audience,
        "message": str(message),
        "level": __automn_notify_level(level),
    }))


def AutomnRunLog(*values):
    parts = []
    for v in values:
        if isinstance(v, (dict, list, tuple, set)):
            parts.append(__automn_dumps(v))
        else:
            parts.append(str(v))
    __automn_emit(" ".join(parts))
`
